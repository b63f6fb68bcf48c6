// Package faceenhance restores every detected face with a face restoration model.
package faceenhance

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"slices"

	"github.com/andresmejia3/swapline/internal/lazy"
	"github.com/andresmejia3/swapline/internal/media"
	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/processor"
	"github.com/andresmejia3/swapline/internal/types"
)

// Name is the registry key and status scope of the stage.
const Name = "face_enhancer"

// ModelFile is the enhancer's weights file.
const ModelFile = "GFPGANv1.4.pth"

// ModelURL is where ModelFile is fetched from.
const ModelURL = "https://huggingface.co/henryruhs/roop/resolve/main/" + ModelFile

var (
	ErrTargetNotMedia = errors.New("select an image or video for target path")
	ErrNoEnhancer     = errors.New("no enhancer model configured")
)

type enhancerBox struct{ model.Enhancer }

// Stage is the face enhancement stage.
type Stage struct {
	deps     *processor.Deps
	enhancer *lazy.Handle[enhancerBox]
	permit   chan struct{} // one enhancer call at a time
}

var _ processor.Stage = (*Stage)(nil)

// New builds the stage. It satisfies processor.Factory.
func New(d *processor.Deps) processor.Stage {
	return &Stage{
		deps: d,
		enhancer: lazy.New(func() (*enhancerBox, error) {
			if d.OpenEnhancer == nil {
				return nil, ErrNoEnhancer
			}
			e, err := d.OpenEnhancer()
			if err != nil {
				return nil, fmt.Errorf("failed to load enhancer model: %w", err)
			}
			return &enhancerBox{e}, nil
		}, func(b *enhancerBox) error {
			return b.Close()
		}),
		permit: make(chan struct{}, 1),
	}
}

// Device maps execution providers to the enhancer's torch device.
func Device(providers []string) string {
	switch {
	case slices.Contains(providers, "cuda"):
		return "cuda"
	case slices.Contains(providers, "coreml"):
		return "mps"
	default:
		return "cpu"
	}
}

// PaddedRegion grows box by half its width and height on every side and
// clips the result to bounds.
func PaddedRegion(box types.BoundingBox, bounds image.Rectangle) image.Rectangle {
	r := box.Rect()
	padX, padY := r.Dx()/2, r.Dy()/2
	return image.Rect(r.Min.X-padX, r.Min.Y-padY, r.Max.X+padX, r.Max.Y+padY).Intersect(bounds)
}

func (s *Stage) Name() string { return Name }

// PreCheck downloads the enhancer weights if they are missing.
func (s *Stage) PreCheck(ctx context.Context) error {
	if s.deps.Download == nil {
		return nil
	}
	return s.deps.Download(ctx, s.deps.ModelsDir, []string{ModelURL})
}

// PreStart requires an image or video target.
func (s *Stage) PreStart(ctx context.Context) error {
	job := s.deps.Job
	if !media.IsImage(job.TargetPath) && !media.IsVideo(job.TargetPath) {
		return ErrTargetNotMedia
	}
	return nil
}

// ProcessFrame enhances every detected face. source and reference are unused.
func (s *Stage) ProcessFrame(ctx context.Context, _, _ *types.Face, frame *image.RGBA) (*image.RGBA, error) {
	faces := s.deps.Analyser.DetectFaces(ctx, frame)
	if len(faces) == 0 {
		return frame, nil
	}

	out := image.NewRGBA(frame.Bounds())
	draw.Draw(out, out.Bounds(), frame, frame.Bounds().Min, draw.Src)
	for _, f := range faces {
		if err := s.enhanceFace(ctx, f, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Stage) enhanceFace(ctx context.Context, face types.Face, frame *image.RGBA) error {
	region := PaddedRegion(face.Box, frame.Bounds())
	if region.Empty() {
		return nil
	}
	crop := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(crop, crop.Bounds(), frame, region.Min, draw.Src)

	enhancer, err := s.enhancer.Get()
	if err != nil {
		return err
	}

	select {
	case s.permit <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	enhanced, err := enhancer.Enhance(ctx, crop)
	<-s.permit
	if err != nil {
		return err
	}

	draw.Draw(frame, region, enhanced, enhanced.Bounds().Min, draw.Src)
	return nil
}

// ProcessFrames enhances frame files in place.
func (s *Stage) ProcessFrames(ctx context.Context, _ string, framePaths []string, onProgress func()) error {
	return processor.TransformFiles(ctx, framePaths, onProgress, func(frame *image.RGBA) (*image.RGBA, error) {
		return s.ProcessFrame(ctx, nil, nil, frame)
	})
}

// ProcessImage enhances targetPath into outputPath.
func (s *Stage) ProcessImage(ctx context.Context, _, targetPath, outputPath string) error {
	target, err := media.ReadFrame(targetPath)
	if err != nil {
		return err
	}
	out, err := s.ProcessFrame(ctx, nil, nil, target)
	if err != nil {
		return err
	}
	if out == target && targetPath == outputPath {
		return nil
	}
	return media.WriteFrame(outputPath, out)
}

// ProcessVideo fans the frames out to the dispatcher.
func (s *Stage) ProcessVideo(ctx context.Context, sourcePath string, framePaths []string) error {
	return s.deps.RunFrames(ctx, sourcePath, framePaths, s.ProcessFrames)
}

// PostProcess releases the enhancer model.
func (s *Stage) PostProcess() error {
	return s.enhancer.Clear()
}
