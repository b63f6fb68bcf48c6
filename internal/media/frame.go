package media

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// decodable lists the extensions image.Decode has a registered decoder for.
// IsImage only accepts these.
var decodable = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".webp": true,
}

// CanWriteFrame reports whether WriteFrame can encode to path's format.
// webp is read-only.
func CanWriteFrame(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return decodable[ext] && ext != ".webp"
}

// ReadFrame decodes a png, jpeg, gif, bmp or webp file into RGBA.
func ReadFrame(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// WriteFrame encodes img to path, choosing the codec from the extension.
// The file is written next to its destination and renamed into place so a
// crash never leaves a truncated frame.
func WriteFrame(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(tmp, img, &jpeg.Options{Quality: 95})
	case ".png":
		err = png.Encode(tmp, img)
	case ".gif":
		err = gif.Encode(tmp, img, nil)
	case ".bmp":
		err = bmp.Encode(tmp, img)
	default:
		err = fmt.Errorf("unsupported frame format %q", ext)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
