package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/andresmejia3/swapline/internal/media"
)

// CoreScope tags status lines that are not specific to one stage.
const CoreScope = "SWAPLINE"

// Chain runs a job through an ordered set of stages.
type Chain struct {
	Stages []Stage
	Deps   *Deps
	Video  media.VideoTool
}

// PreCheck runs every stage's asset check. The first failure aborts.
func (c *Chain) PreCheck(ctx context.Context) error {
	for _, s := range c.Stages {
		if err := s.PreCheck(ctx); err != nil {
			c.Deps.UpdateStatus(err.Error(), s.Name())
			return fmt.Errorf("%s pre-check: %w", s.Name(), err)
		}
	}
	return nil
}

// PreStart runs every stage's input validation. The first failure aborts.
func (c *Chain) PreStart(ctx context.Context) error {
	for _, s := range c.Stages {
		if err := s.PreStart(ctx); err != nil {
			c.Deps.UpdateStatus(err.Error(), s.Name())
			return fmt.Errorf("%s pre-start: %w", s.Name(), err)
		}
	}
	return nil
}

// Run processes the job as an image or a video depending on the target. Every
// stage's PostProcess runs exactly once, in stage order, whatever happens; the
// analyser is released afterwards.
func (c *Chain) Run(ctx context.Context) (err error) {
	defer func() {
		err = errors.Join(err, c.teardown())
	}()

	if media.IsImage(c.Deps.Job.TargetPath) {
		return c.RunImage(ctx)
	}
	return c.RunVideo(ctx)
}

// RunImage copies the target to the output and lets each stage rewrite it.
func (c *Chain) RunImage(ctx context.Context) error {
	job := c.Deps.Job
	if !media.CanWriteFrame(job.OutputPath) {
		c.Deps.UpdateStatus("Processing to image failed!", CoreScope)
		return fmt.Errorf("cannot write images of type %q", filepath.Ext(job.OutputPath))
	}
	if err := media.CopyFile(job.TargetPath, job.OutputPath); err != nil {
		return fmt.Errorf("failed to copy target to output: %w", err)
	}
	for _, s := range c.Stages {
		c.Deps.UpdateStatus("Progressing...", s.Name())
		if err := s.ProcessImage(ctx, job.SourcePath, job.OutputPath, job.OutputPath); err != nil {
			c.Deps.UpdateStatus("Processing to image failed!", CoreScope)
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	if !media.IsImage(job.OutputPath) {
		c.Deps.UpdateStatus("Processing to image failed!", CoreScope)
		return errors.New("output is not an image")
	}
	c.Deps.UpdateStatus("Processing to image succeed!", CoreScope)
	return nil
}

// RunVideo extracts frames once, runs every stage over them, re-encodes and
// restores audio. Temp frames are removed unless KeepFrames is set.
func (c *Chain) RunVideo(ctx context.Context) error {
	job := c.Deps.Job

	c.Deps.UpdateStatus("Creating temporary resources...", CoreScope)
	if err := media.CreateTemp(job.TargetPath); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := media.CleanTemp(job.TargetPath, job.KeepFrames); err != nil {
			slog.Warn("chain: failed to clean temp frames", "target", job.TargetPath, "err", err)
		}
	}()

	fps := media.DefaultFPS
	if job.KeepFPS {
		fps = c.Video.DetectFPS(ctx, job.TargetPath)
	}
	c.Deps.UpdateStatus(fmt.Sprintf("Extracting frames with %v FPS...", fps), CoreScope)
	if err := c.Video.ExtractFrames(ctx, job.TargetPath, fps); err != nil {
		return fmt.Errorf("failed to extract frames: %w", err)
	}

	framePaths, err := media.FramePaths(job.TargetPath, job.TempFrameFormat)
	if err != nil {
		return err
	}
	if len(framePaths) == 0 {
		c.Deps.UpdateStatus("Frames not found...", CoreScope)
		return ErrNoFrames
	}

	for _, s := range c.Stages {
		c.Deps.UpdateStatus("Progressing...", s.Name())
		if err := s.ProcessVideo(ctx, job.SourcePath, framePaths); err != nil {
			c.Deps.UpdateStatus("Processing to video failed!", CoreScope)
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}

	c.Deps.UpdateStatus(fmt.Sprintf("Creating video with %v FPS...", fps), CoreScope)
	if err := c.Video.CreateVideo(ctx, job.TargetPath, fps); err != nil {
		c.Deps.UpdateStatus("Processing to video failed!", CoreScope)
		return fmt.Errorf("failed to create video: %w", err)
	}

	if job.SkipAudio {
		c.Deps.UpdateStatus("Skipping audio...", CoreScope)
		if err := media.MoveTemp(job.TargetPath, job.OutputPath); err != nil {
			return err
		}
	} else {
		if job.KeepFPS {
			c.Deps.UpdateStatus("Restoring audio...", CoreScope)
		} else {
			c.Deps.UpdateStatus("Restoring audio might cause issues as fps are not kept...", CoreScope)
		}
		if err := c.Video.RestoreAudio(ctx, job.TargetPath, job.OutputPath); err != nil {
			// Muxing failure is not fatal: ship the silent video.
			slog.Debug("chain: audio restore failed, using silent video", "err", err)
			if err := media.MoveTemp(job.TargetPath, job.OutputPath); err != nil {
				return err
			}
		}
	}

	if !media.IsVideo(job.OutputPath) {
		c.Deps.UpdateStatus("Processing to video failed!", CoreScope)
		return errors.New("output is not a video")
	}
	c.Deps.UpdateStatus("Processing to video succeed!", CoreScope)
	return nil
}

func (c *Chain) teardown() error {
	var errs []error
	for _, s := range c.Stages {
		if err := s.PostProcess(); err != nil {
			errs = append(errs, fmt.Errorf("%s post-process: %w", s.Name(), err))
		}
	}
	if c.Deps.Analyser != nil {
		if err := c.Deps.Analyser.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("analyser: %w", err))
		}
	}
	return errors.Join(errs...)
}
