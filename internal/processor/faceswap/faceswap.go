// Package faceswap replaces faces in the target with the identity found in
// the source image.
package faceswap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/andresmejia3/swapline/internal/lazy"
	"github.com/andresmejia3/swapline/internal/media"
	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/processor"
	"github.com/andresmejia3/swapline/internal/types"
)

// Name is the registry key and status scope of the stage.
const Name = "face_swapper"

// ModelFile is the swap model's weights file.
const ModelFile = "inswapper_128.onnx"

// ModelURL is where ModelFile is fetched from.
const ModelURL = "https://huggingface.co/henryruhs/roop/resolve/main/" + ModelFile

var (
	ErrSourceNotImage    = errors.New("select an image for source path")
	ErrNoSourceFace      = errors.New("no face in source path detected")
	ErrTargetNotMedia    = errors.New("select an image or video for target path")
	ErrNoReferenceFace   = errors.New("no face in reference frame detected")
	ErrNoSwapper         = errors.New("no swap model configured")
	ErrReferenceOutRange = errors.New("reference frame number out of range")
)

type swapperBox struct{ model.Swapper }

// Stage is the identity swap stage.
type Stage struct {
	deps    *processor.Deps
	swapper *lazy.Handle[swapperBox]
}

var _ processor.Stage = (*Stage)(nil)

// New builds the stage. It satisfies processor.Factory.
func New(d *processor.Deps) processor.Stage {
	return &Stage{
		deps: d,
		swapper: lazy.New(func() (*swapperBox, error) {
			if d.OpenSwapper == nil {
				return nil, ErrNoSwapper
			}
			s, err := d.OpenSwapper()
			if err != nil {
				return nil, fmt.Errorf("failed to load swap model: %w", err)
			}
			return &swapperBox{s}, nil
		}, func(b *swapperBox) error {
			return b.Close()
		}),
	}
}

func (s *Stage) Name() string { return Name }

// PreCheck downloads the swap model if it is missing.
func (s *Stage) PreCheck(ctx context.Context) error {
	if s.deps.Download == nil {
		return nil
	}
	return s.deps.Download(ctx, s.deps.ModelsDir, []string{ModelURL})
}

// PreStart requires an image source with a detectable face and an image or video target.
func (s *Stage) PreStart(ctx context.Context) error {
	job := s.deps.Job
	if !media.IsImage(job.SourcePath) {
		return ErrSourceNotImage
	}
	if _, err := s.sourceFace(ctx, job.SourcePath); err != nil {
		return err
	}
	if !media.IsImage(job.TargetPath) && !media.IsVideo(job.TargetPath) {
		return ErrTargetNotMedia
	}
	return nil
}

func (s *Stage) sourceFace(ctx context.Context, sourcePath string) (*types.Face, error) {
	frame, err := media.ReadFrame(sourcePath)
	if err != nil {
		return nil, err
	}
	face := s.deps.Analyser.DetectOneFace(ctx, frame, 0)
	if face == nil {
		return nil, ErrNoSourceFace
	}
	return face, nil
}

// ProcessFrame swaps every face in many-faces mode, otherwise only the face
// matching reference. A frame with nothing to swap is returned as is.
func (s *Stage) ProcessFrame(ctx context.Context, source, reference *types.Face, frame *image.RGBA) (*image.RGBA, error) {
	var targets []types.Face
	if s.deps.Job.ManyFaces {
		targets = s.deps.Analyser.DetectFaces(ctx, frame)
	} else if match := s.deps.Analyser.FindSimilarFace(ctx, frame, reference, s.deps.Job.SimilarFaceDistance); match != nil {
		targets = []types.Face{*match}
	}
	if len(targets) == 0 {
		return frame, nil
	}

	swapper, err := s.swapper.Get()
	if err != nil {
		return nil, err
	}
	out := frame
	for i := range targets {
		if out, err = swapper.Swap(ctx, out, &targets[i], source); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ProcessFrames is handed to dispatcher workers. Each chunk re-derives the
// source face and reads the shared reference.
func (s *Stage) ProcessFrames(ctx context.Context, sourcePath string, framePaths []string, onProgress func()) error {
	source, err := s.sourceFace(ctx, sourcePath)
	if err != nil {
		return err
	}
	reference, _ := s.deps.Reference.Get()
	return processor.TransformFiles(ctx, framePaths, onProgress, func(frame *image.RGBA) (*image.RGBA, error) {
		return s.ProcessFrame(ctx, source, reference, frame)
	})
}

// ProcessImage uses the target's face at the configured position as the reference.
func (s *Stage) ProcessImage(ctx context.Context, sourcePath, targetPath, outputPath string) error {
	source, err := s.sourceFace(ctx, sourcePath)
	if err != nil {
		return err
	}
	target, err := media.ReadFrame(targetPath)
	if err != nil {
		return err
	}
	reference := s.deps.Analyser.DetectOneFace(ctx, target, s.deps.Job.ReferenceFacePosition)

	out, err := s.ProcessFrame(ctx, source, reference, target)
	if err != nil {
		return err
	}
	if out == target && targetPath == outputPath {
		return nil
	}
	return media.WriteFrame(outputPath, out)
}

// ProcessVideo fixes the job's reference face, if not already set, from the
// configured frame and position, then fans the frames out to the dispatcher.
func (s *Stage) ProcessVideo(ctx context.Context, sourcePath string, framePaths []string) error {
	if err := s.ensureReference(ctx, framePaths); err != nil {
		return err
	}
	return s.deps.RunFrames(ctx, sourcePath, framePaths, s.ProcessFrames)
}

func (s *Stage) ensureReference(ctx context.Context, framePaths []string) error {
	if _, ok := s.deps.Reference.Get(); ok {
		return nil
	}
	job := s.deps.Job
	n := job.ReferenceFrameNumber
	if n < 0 || n >= len(framePaths) {
		return fmt.Errorf("%w: %d of %d frames", ErrReferenceOutRange, n, len(framePaths))
	}
	frame, err := media.ReadFrame(framePaths[n])
	if err != nil {
		return err
	}
	face := s.deps.Analyser.DetectOneFace(ctx, frame, job.ReferenceFacePosition)
	if face == nil {
		if job.ManyFaces {
			// Many-faces mode never consults the reference.
			slog.Debug("faceswap: reference frame has no face", "frame", n)
			return nil
		}
		return ErrNoReferenceFace
	}
	if err := s.deps.Reference.Set(face); err != nil {
		return err
	}
	if s.deps.OnReference != nil {
		s.deps.OnReference(n, job.ReferenceFacePosition, face)
	}
	return nil
}

// PostProcess releases the swap model and forgets the reference face.
func (s *Stage) PostProcess() error {
	s.deps.Reference.Clear()
	return s.swapper.Clear()
}
