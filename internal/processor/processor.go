// Package processor defines the frame stage contract and the chain that runs
// a job through its configured stages.
package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/andresmejia3/swapline/internal/analyser"
	"github.com/andresmejia3/swapline/internal/dispatch"
	"github.com/andresmejia3/swapline/internal/media"
	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/reference"
	"github.com/andresmejia3/swapline/internal/types"
)

var (
	// ErrStageNotFound is returned for a stage name nobody registered.
	ErrStageNotFound = errors.New("frame processor not found")
	// ErrStageNotImplemented is returned when a registered factory yields no stage.
	ErrStageNotImplemented = errors.New("frame processor not implemented")
	// ErrNoFrames is returned when frame extraction produced nothing.
	ErrNoFrames = errors.New("frames not found")
)

// Stage is one pluggable frame transformation. The chain calls PreCheck and
// PreStart for every stage before any frame work, then ProcessImage or
// ProcessVideo, and finally PostProcess exactly once per job.
type Stage interface {
	Name() string

	// PreCheck fetches external assets the stage needs.
	PreCheck(ctx context.Context) error
	// PreStart validates job inputs for this stage.
	PreStart(ctx context.Context) error
	// ProcessFrame transforms a single decoded frame.
	ProcessFrame(ctx context.Context, source, reference *types.Face, frame *image.RGBA) (*image.RGBA, error)
	// ProcessFrames rewrites frame files in place, calling onProgress per frame.
	ProcessFrames(ctx context.Context, sourcePath string, framePaths []string, onProgress func()) error
	// ProcessImage transforms targetPath into outputPath.
	ProcessImage(ctx context.Context, sourcePath, targetPath, outputPath string) error
	// ProcessVideo transforms every extracted frame of the job.
	ProcessVideo(ctx context.Context, sourcePath string, framePaths []string) error
	// PostProcess releases the stage's model handle.
	PostProcess() error
}

// Job is the configuration of a single run.
type Job struct {
	SourcePath string
	TargetPath string
	OutputPath string

	FrameProcessors []string
	KeepFPS         bool
	KeepFrames      bool
	SkipAudio       bool
	ManyFaces       bool

	ReferenceFacePosition int
	ReferenceFrameNumber  int
	SimilarFaceDistance   float64

	TempFrameFormat    string
	TempFrameQuality   int
	OutputVideoEncoder string
	OutputVideoQuality int

	ExecutionProviders []string
	ExecutionThreads   int
}

// ProgressSink is a dispatch.Progress that is finished when a stage completes.
type ProgressSink interface {
	dispatch.Progress
	Finish()
}

// Deps is everything a stage may need. Stages receive it at construction.
type Deps struct {
	Job        *Job
	Analyser   *analyser.Analyser
	Reference  *reference.State
	Dispatcher *dispatch.Dispatcher

	// ModelsDir holds downloaded weights.
	ModelsDir string
	// Download fetches urls into dir, skipping files that already exist.
	Download func(ctx context.Context, dir string, urls []string) error

	OpenSwapper  func() (model.Swapper, error)
	OpenEnhancer func() (model.Enhancer, error)

	// NewProgress builds the progress sink for one stage pass. May be nil.
	NewProgress func(total int) ProgressSink
	// Status prints a scoped status line. May be nil.
	Status func(message, scope string)
	// OnReference is told when a video job picks its reference face. May be nil.
	OnReference func(frameNumber, position int, face *types.Face)
}

// UpdateStatus prints through Status if set.
func (d *Deps) UpdateStatus(message, scope string) {
	if d.Status != nil {
		d.Status(message, scope)
	}
}

// RunFrames dispatches fn over framePaths with a progress sink for the pass.
func (d *Deps) RunFrames(ctx context.Context, sourcePath string, framePaths []string, fn dispatch.ProcessFrames) error {
	var progress dispatch.Progress
	if d.NewProgress != nil {
		sink := d.NewProgress(len(framePaths))
		defer sink.Finish()
		progress = sink
	}
	return d.Dispatcher.Run(ctx, sourcePath, framePaths, fn, progress)
}

// TransformFiles reads each frame file, applies fn and writes the result back
// over the same path, in order. Frames fn returns untouched are not rewritten.
// It stops at the first failure or when ctx is cancelled between frames.
func TransformFiles(ctx context.Context, framePaths []string, onProgress func(), fn func(*image.RGBA) (*image.RGBA, error)) error {
	for _, p := range framePaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := media.ReadFrame(p)
		if err != nil {
			return err
		}
		out, err := fn(frame)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if out != frame {
			if err := media.WriteFrame(p, out); err != nil {
				return err
			}
		}
		if onProgress != nil {
			onProgress()
		}
	}
	return nil
}
