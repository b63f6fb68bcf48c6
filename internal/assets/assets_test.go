package assets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestFileName(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://example.com/models/inswapper_128.onnx", "inswapper_128.onnx", false},
		{"https://example.com/GFPGANv1.4.pth?download=1", "GFPGANv1.4.pth", false},
		{"https://example.com/", "", true},
	}
	for _, tt := range tests {
		got, err := FileName(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("FileName(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestConditionalDownloadIsIdempotent(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("weights:" + r.URL.Path))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "models")
	urls := []string{srv.URL + "/inswapper_128.onnx", srv.URL + "/GFPGANv1.4.pth"}

	for i := 0; i < 2; i++ {
		if err := ConditionalDownload(context.Background(), dir, urls, io.Discard); err != nil {
			t.Fatalf("ConditionalDownload failed: %v", err)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("Expected each file to be fetched once, got %d requests", hits.Load())
	}

	data, err := os.ReadFile(filepath.Join(dir, "inswapper_128.onnx"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "weights:/inswapper_128.onnx" {
		t.Errorf("Unexpected file content %q", data)
	}
}

func TestConditionalDownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	err := ConditionalDownload(context.Background(), dir, []string{srv.URL + "/missing.onnx"}, io.Discard)
	if err == nil {
		t.Fatal("Expected an error for a 404")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files after a failed download, found %d", len(entries))
	}
}
