// Package assets fetches model weights on first use.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

// Client is used for downloads. Tests may replace it.
var Client = http.DefaultClient

// FileName is the local name of a downloaded url: the last path segment.
func FileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}

// ConditionalDownload fetches every url into dir unless a file of the same
// name already exists. Progress is drawn on w.
func ConditionalDownload(ctx context.Context, dir string, urls []string, w io.Writer) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, u := range urls {
		name, err := FileName(u)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := download(ctx, u, dst, w); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
	}
	return nil
}

func download(ctx context.Context, rawURL, dst string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	// Write to a partial file so an interrupted download is retried next run.
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.NewOptions64(resp.ContentLength,
		progressbar.OptionSetDescription("⬇️  Downloading "+filepath.Base(dst)),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)

	_, err = io.Copy(io.MultiWriter(tmp, bar), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	bar.Finish()
	return os.Rename(tmp.Name(), dst)
}
