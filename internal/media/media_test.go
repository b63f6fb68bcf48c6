package media

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/image/bmp"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestTempLayout(t *testing.T) {
	target := filepath.Join("/videos", "clip.mp4")
	if got, want := TempDir(target), filepath.Join("/videos", "temp", "clip"); got != want {
		t.Errorf("TempDir() = %q, want %q", got, want)
	}
	if got, want := TempVideoPath(target), filepath.Join("/videos", "temp", "clip", "temp.mp4"); got != want {
		t.Errorf("TempVideoPath() = %q, want %q", got, want)
	}
	if got, want := FramePattern(target, "png"), filepath.Join("/videos", "temp", "clip", "%04d.png"); got != want {
		t.Errorf("FramePattern() = %q, want %q", got, want)
	}
}

func TestFramePathsSorted(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "clip.mp4")
	for _, name := range []string{"0003.png", "10000.png", "0001.png", "0002.png", "notes.txt"} {
		touch(t, filepath.Join(TempDir(target), name))
	}

	got, err := FramePaths(target, "png")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	want := []string{"0001.png", "0002.png", "0003.png", "10000.png"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("FramePaths() = %v, want %v", names, want)
	}
}

func TestCleanTemp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "clip.mp4")
	touch(t, filepath.Join(TempDir(target), "0001.png"))

	// keep-frames leaves everything in place
	if err := CleanTemp(target, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(TempDir(target)); err != nil {
		t.Fatalf("Expected frames to be kept: %v", err)
	}

	if err := CleanTemp(target, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "temp")); !os.IsNotExist(err) {
		t.Errorf("Expected empty temp parent to be removed, got %v", err)
	}

	// Cleaning twice is harmless.
	if err := CleanTemp(target, false); err != nil {
		t.Errorf("Second CleanTemp failed: %v", err)
	}
}

func TestCleanTempKeepsSharedParent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	touch(t, filepath.Join(TempDir(a), "0001.png"))
	touch(t, filepath.Join(TempDir(b), "0001.png"))

	if err := CleanTemp(a, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(TempDir(b)); err != nil {
		t.Errorf("Another job's temp dir was removed: %v", err)
	}
}

func TestMoveTemp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "clip.mp4")
	output := filepath.Join(dir, "out.mp4")
	touch(t, output) // existing output is replaced

	if err := os.MkdirAll(TempDir(target), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(TempVideoPath(target), []byte("silent video"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := MoveTemp(target, output); err != nil {
		t.Fatalf("MoveTemp failed: %v", err)
	}
	data, _ := os.ReadFile(output)
	if string(data) != "silent video" {
		t.Errorf("Output not replaced, got %q", data)
	}
	if _, err := os.Stat(TempVideoPath(target)); !os.IsNotExist(err) {
		t.Error("Temp video still present after move")
	}

	// No temp video: nothing to do.
	if err := MoveTemp(target, output); err != nil {
		t.Errorf("MoveTemp without temp video failed: %v", err)
	}
}

func TestNormalizeOutputPath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		source string
		target string
		output string
		want   string
	}{
		{"directory output", "/in/face.jpg", "/in/clip.mp4", dir, filepath.Join(dir, "face-clip.mp4")},
		{"file output untouched", "/in/face.jpg", "/in/clip.mp4", filepath.Join(dir, "x.mp4"), filepath.Join(dir, "x.mp4")},
		{"missing source", "", "/in/clip.mp4", dir, dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeOutputPath(tt.source, tt.target, tt.output); got != tt.want {
				t.Errorf("NormalizeOutputPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	dir := t.TempDir()
	files := map[string][2]bool{ // name -> {isImage, isVideo}
		"face.jpg":  {true, false},
		"face.PNG":  {true, false},
		"face.webp": {true, false},
		"face.bmp":  {true, false},
		"face.svg":  {false, false}, // image/svg+xml, but nothing decodes it
		"clip.mp4":  {false, true},
		"clip.mov":  {false, true},
		"notes.txt": {false, false},
	}
	for name, want := range files {
		p := filepath.Join(dir, name)
		touch(t, p)
		if got := IsImage(p); got != want[0] {
			t.Errorf("IsImage(%s) = %v, want %v", name, got, want[0])
		}
		if got := IsVideo(p); got != want[1] {
			t.Errorf("IsVideo(%s) = %v, want %v", name, got, want[1])
		}
	}

	// Missing files and directories are neither.
	if IsImage(filepath.Join(dir, "missing.jpg")) || IsVideo(dir) {
		t.Error("Expected missing files and directories to be rejected")
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{"30/1\n", 30, false},
		{"30000/1001", 30000.0 / 1001.0, false},
		{"25", 0, true},
		{"0/0", 0, true},
		{"N/A", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFrameRate(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFrameRate(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	f := &FFmpeg{FrameFormat: "jpg", FrameQuality: 50, Encoder: "libx264", VideoQuality: 35}
	target := filepath.Join("/v", "clip.mp4")

	extract := strings.Join(f.extractArgs(target, 29.97), " ")
	for _, want := range []string{"-q:v 15", "-pix_fmt rgb24", "-vf fps=29.97", filepath.Join("/v", "temp", "clip", "%04d.jpg")} {
		if !strings.Contains(extract, want) {
			t.Errorf("extract args %q missing %q", extract, want)
		}
	}

	encode := strings.Join(f.encodeArgs(target, 30), " ")
	for _, want := range []string{"-r 30", "-c:v libx264", "-crf 18", "-pix_fmt yuv420p", "-y " + TempVideoPath(target)} {
		if !strings.Contains(encode, want) {
			t.Errorf("encode args %q missing %q", encode, want)
		}
	}

	f.Encoder = "hevc_nvenc"
	f.VideoQuality = 100
	encode = strings.Join(f.encodeArgs(target, 30), " ")
	if !strings.Contains(encode, "-cq 51") || strings.Contains(encode, "-crf") {
		t.Errorf("nvenc encoders use -cq, got %q", encode)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{10, 20, 30, 255})

	p := filepath.Join(dir, "0001.png")
	if err := WriteFrame(p, img); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(p)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Bounds() != img.Bounds() {
		t.Fatalf("Bounds changed: %v vs %v", got.Bounds(), img.Bounds())
	}
	if got.RGBAAt(1, 1) != (color.RGBA{10, 20, 30, 255}) {
		t.Errorf("Pixel changed: %v", got.RGBAAt(1, 1))
	}

	// jpeg decodes to YCbCr and must be converted.
	jp := filepath.Join(dir, "0002.jpg")
	if err := WriteFrame(jp, img); err != nil {
		t.Fatal(err)
	}
	if got, err := ReadFrame(jp); err != nil || got.Bounds().Dx() != 3 {
		t.Errorf("jpeg round trip failed: %v", err)
	}

	if err := WriteFrame(filepath.Join(dir, "0003.webp"), img); err == nil {
		t.Error("Expected unsupported format error")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".frame-") {
			t.Errorf("Temporary file %s left behind", e.Name())
		}
	}
}

// Every file IsImage accepts must decode with ReadFrame.
func TestImageFormatsDecode(t *testing.T) {
	dir := t.TempDir()
	px := image.NewRGBA(image.Rect(0, 0, 1, 1))
	px.Set(0, 0, color.RGBA{255, 0, 0, 255})

	var bmpData, gifData bytes.Buffer
	if err := bmp.Encode(&bmpData, px); err != nil {
		t.Fatal(err)
	}
	if err := gif.Encode(&gifData, px, nil); err != nil {
		t.Fatal(err)
	}

	for name, data := range map[string][]byte{"face.bmp": bmpData.Bytes(), "face.gif": gifData.Bytes()} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
		if !IsImage(p) {
			t.Errorf("IsImage(%s) = false", name)
			continue
		}
		got, err := ReadFrame(p)
		if err != nil {
			t.Errorf("ReadFrame(%s) failed: %v", name, err)
			continue
		}
		// gif quantizes to a palette, so only expect a red-ish pixel.
		if c := got.RGBAAt(0, 0); got.Bounds().Dx() != 1 || c.R < 200 || c.G > 50 {
			t.Errorf("%s decoded to %v", name, c)
		}
	}
}

func TestWriteFrameFormats(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for _, name := range []string{"out.bmp", "out.gif"} {
		p := filepath.Join(dir, name)
		if !CanWriteFrame(p) {
			t.Errorf("CanWriteFrame(%s) = false", name)
		}
		if err := WriteFrame(p, img); err != nil {
			t.Errorf("WriteFrame(%s) failed: %v", name, err)
			continue
		}
		if got, err := ReadFrame(p); err != nil || got.Bounds() != img.Bounds() {
			t.Errorf("%s round trip failed: %v", name, err)
		}
	}
	if CanWriteFrame(filepath.Join(dir, "out.webp")) || CanWriteFrame(filepath.Join(dir, "out.txt")) {
		t.Error("webp and unknown formats are not writable")
	}
}
