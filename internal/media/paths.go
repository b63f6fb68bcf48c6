// Package media handles the filesystem side of a job: temp frame layout,
// media classification, frame image I/O and the ffmpeg video tool.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	tempDirName   = "temp"
	tempVideoName = "temp.mp4"
)

func init() {
	// The stdlib table only knows image types; system mime files may be absent.
	for ext, typ := range map[string]string{
		".mp4":  "video/mp4",
		".m4v":  "video/x-m4v",
		".mov":  "video/quicktime",
		".mkv":  "video/x-matroska",
		".webm": "video/webm",
		".avi":  "video/x-msvideo",
		".bmp":  "image/bmp",
	} {
		if mime.TypeByExtension(ext) == "" {
			mime.AddExtensionType(ext, typ)
		}
	}
}

// TempDir is <dir(target)>/temp/<name(target) without extension>.
func TempDir(targetPath string) string {
	name := strings.TrimSuffix(filepath.Base(targetPath), filepath.Ext(targetPath))
	return filepath.Join(filepath.Dir(targetPath), tempDirName, name)
}

// TempVideoPath is where the encoded, silent video is written.
func TempVideoPath(targetPath string) string {
	return filepath.Join(TempDir(targetPath), tempVideoName)
}

// FramePattern is the ffmpeg image sequence pattern for the temp frames.
func FramePattern(targetPath, format string) string {
	return filepath.Join(TempDir(targetPath), "%04d."+format)
}

// CreateTemp makes the temp frame directory.
func CreateTemp(targetPath string) error {
	return os.MkdirAll(TempDir(targetPath), 0755)
}

// FramePaths lists extracted frames in sequence order.
func FramePaths(targetPath, format string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(escapeGlob(TempDir(targetPath)), "*."+format))
	if err != nil {
		return nil, err
	}
	// %04d names sort lexically until 9999; sort by length first to stay correct past it.
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})
	return paths, nil
}

func escapeGlob(path string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(path)
}

// MoveTemp moves the temp video to outputPath, replacing any existing file.
// It is a no-op when there is no temp video.
func MoveTemp(targetPath, outputPath string) error {
	temp := TempVideoPath(targetPath)
	if !isFile(temp) {
		return nil
	}
	if isFile(outputPath) {
		if err := os.Remove(outputPath); err != nil {
			return err
		}
	}
	if err := os.Rename(temp, outputPath); err != nil {
		// Rename fails across devices; fall back to a copy.
		if err := CopyFile(temp, outputPath); err != nil {
			return fmt.Errorf("failed to move %s: %w", temp, err)
		}
		return os.Remove(temp)
	}
	return nil
}

// CleanTemp removes the temp frame directory unless keepFrames is set, then
// removes the parent temp directory if it is empty.
func CleanTemp(targetPath string, keepFrames bool) error {
	dir := TempDir(targetPath)
	if !keepFrames {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	parent := filepath.Dir(dir)
	entries, err := os.ReadDir(parent)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return os.Remove(parent)
	}
	return nil
}

// NormalizeOutputPath turns a directory output into <dir>/<source>-<target><ext>.
func NormalizeOutputPath(sourcePath, targetPath, outputPath string) string {
	if sourcePath == "" || targetPath == "" || outputPath == "" {
		return outputPath
	}
	info, err := os.Stat(outputPath)
	if err != nil || !info.IsDir() {
		return outputPath
	}
	sourceName := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	targetExt := filepath.Ext(targetPath)
	targetName := strings.TrimSuffix(filepath.Base(targetPath), targetExt)
	return filepath.Join(outputPath, sourceName+"-"+targetName+targetExt)
}

// IsImage reports whether path is an existing file with an image/* MIME type
// that ReadFrame can decode.
func IsImage(path string) bool {
	return isFile(path) && strings.HasPrefix(mimeType(path), "image/") &&
		decodable[strings.ToLower(filepath.Ext(path))]
}

// IsVideo reports whether path is an existing file with a video/* MIME type.
func IsVideo(path string) bool {
	return isFile(path) && strings.HasPrefix(mimeType(path), "video/")
}

func mimeType(path string) string {
	return mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CopyFile copies src to dst, truncating dst.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
