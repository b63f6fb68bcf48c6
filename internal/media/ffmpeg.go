package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andresmejia3/swapline/internal/utils"
)

// DefaultFPS is used when the frame rate cannot be probed.
const DefaultFPS = 30.0

// VideoTool is the external video toolchain the stage chain drives.
type VideoTool interface {
	DetectFPS(ctx context.Context, targetPath string) float64
	ExtractFrames(ctx context.Context, targetPath string, fps float64) error
	CreateVideo(ctx context.Context, targetPath string, fps float64) error
	RestoreAudio(ctx context.Context, targetPath, outputPath string) error
}

// FFmpeg runs ffmpeg/ffprobe with the job's frame and encoder settings.
type FFmpeg struct {
	FrameFormat  string // png or jpg
	FrameQuality int    // 0..100
	Encoder      string // libx264, libx265, libvpx-vp9, h264_nvenc, hevc_nvenc
	VideoQuality int    // 0..100
	LogLevel     string // ffmpeg -loglevel, default "error"
}

var _ VideoTool = (*FFmpeg)(nil)

// CheckInstalled reports a missing ffmpeg binary.
func CheckInstalled() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg is not installed: %w", err)
	}
	return nil
}

// DetectFPS reads the first video stream's r_frame_rate. Falls back to DefaultFPS.
func (f *FFmpeg) DetectFPS(ctx context.Context, targetPath string) float64 {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		slog.Warn("media: ffprobe not found, assuming default fps", "fps", DefaultFPS)
		return DefaultFPS
	}
	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate", "-of", "default=noprint_wrappers=1:nokey=1", targetPath)
	out, err := cmd.Output()
	if err != nil {
		slog.Debug("media: ffprobe failed", "path", targetPath, "err", err, "stderr", cmd.Stderr.String())
		return DefaultFPS
	}
	fps, err := ParseFrameRate(string(out))
	if err != nil {
		slog.Debug("media: unparseable frame rate", "raw", strings.TrimSpace(string(out)), "err", err)
		return DefaultFPS
	}
	return fps
}

// ParseFrameRate parses ffprobe's "num/den" frame rate.
func ParseFrameRate(raw string) (float64, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return 0, fmt.Errorf("expected num/den, got %q", raw)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, err
	}
	d, err := strconv.Atoi(den)
	if err != nil {
		return 0, err
	}
	if d == 0 || n <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", raw)
	}
	return float64(n) / float64(d), nil
}

// ExtractFrames decodes targetPath into numbered frames in its temp directory.
func (f *FFmpeg) ExtractFrames(ctx context.Context, targetPath string, fps float64) error {
	return f.run(ctx, f.extractArgs(targetPath, fps))
}

// CreateVideo encodes the temp frames into the temp video.
func (f *FFmpeg) CreateVideo(ctx context.Context, targetPath string, fps float64) error {
	return f.run(ctx, f.encodeArgs(targetPath, fps))
}

// RestoreAudio muxes the target's audio track onto the temp video, writing outputPath.
func (f *FFmpeg) RestoreAudio(ctx context.Context, targetPath, outputPath string) error {
	return f.run(ctx, []string{"-hwaccel", "auto", "-i", TempVideoPath(targetPath), "-i", targetPath,
		"-c:v", "copy", "-map", "0:v:0", "-map", "1:a:0", "-y", outputPath})
}

func (f *FFmpeg) extractArgs(targetPath string, fps float64) []string {
	quality := f.FrameQuality * 31 / 100
	return []string{"-hwaccel", "auto", "-i", targetPath, "-q:v", strconv.Itoa(quality),
		"-pix_fmt", "rgb24", "-vf", "fps=" + formatFPS(fps), FramePattern(targetPath, f.FrameFormat)}
}

func (f *FFmpeg) encodeArgs(targetPath string, fps float64) []string {
	quality := strconv.Itoa((f.VideoQuality + 1) * 51 / 100)
	args := []string{"-hwaccel", "auto", "-r", formatFPS(fps), "-i", FramePattern(targetPath, f.FrameFormat),
		"-c:v", f.Encoder}
	switch f.Encoder {
	case "libx264", "libx265", "libvpx", "libvpx-vp9":
		args = append(args, "-crf", quality)
	case "h264_nvenc", "hevc_nvenc":
		args = append(args, "-cq", quality)
	}
	return append(args, "-pix_fmt", "yuv420p", "-vf", "colorspace=bt709:iall=bt601-6-625:fast=1",
		"-y", TempVideoPath(targetPath))
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	level := f.LogLevel
	if level == "" {
		level = "error"
	}
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", append([]string{"-hide_banner", "-loglevel", level}, args...)...)
	return cmd.Run()
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
