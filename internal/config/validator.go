package config

import (
	"fmt"
	"slices"
	"time"
)

// Validate rejects out-of-range values and fills empty lists and strings
// with their defaults. Source, target and output are checked by the caller
// since they usually come from flags.
func Validate(cfg *Config) error {
	def := Defaults()

	if len(cfg.FrameProcessors) == 0 {
		cfg.FrameProcessors = def.FrameProcessors
	}
	if len(cfg.ExecutionProviders) == 0 {
		cfg.ExecutionProviders = def.ExecutionProviders
	}
	if cfg.TempFrameFormat == "" {
		cfg.TempFrameFormat = def.TempFrameFormat
	}
	if cfg.OutputVideoEncoder == "" {
		cfg.OutputVideoEncoder = def.OutputVideoEncoder
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = def.ModelsDir
	}
	if cfg.WorkerTimeout == "" {
		cfg.WorkerTimeout = def.WorkerTimeout
	}
	if cfg.Python == "" {
		cfg.Python = def.Python
	}
	if cfg.WorkerScript == "" {
		cfg.WorkerScript = def.WorkerScript
	}

	if !slices.Contains(FrameFormats, cfg.TempFrameFormat) {
		return fmt.Errorf("temp_frame_format must be one of %v, got %q", FrameFormats, cfg.TempFrameFormat)
	}
	if !slices.Contains(Encoders, cfg.OutputVideoEncoder) {
		return fmt.Errorf("output_video_encoder must be one of %v, got %q", Encoders, cfg.OutputVideoEncoder)
	}
	if err := percent("temp_frame_quality", cfg.TempFrameQuality); err != nil {
		return err
	}
	if err := percent("output_video_quality", cfg.OutputVideoQuality); err != nil {
		return err
	}
	if cfg.SimilarFaceDistance <= 0 {
		return fmt.Errorf("similar_face_distance must be > 0, got %v", cfg.SimilarFaceDistance)
	}
	if cfg.ReferenceFrameNumber < 0 {
		return fmt.Errorf("reference_frame_number must be >= 0, got %d", cfg.ReferenceFrameNumber)
	}
	if cfg.ExecutionThreads < 1 {
		return fmt.Errorf("execution_threads must be >= 1, got %d", cfg.ExecutionThreads)
	}
	d, err := time.ParseDuration(cfg.WorkerTimeout)
	if err != nil {
		return fmt.Errorf("worker_timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("worker_timeout must be positive, got %s", cfg.WorkerTimeout)
	}
	return nil
}

func percent(key string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s must be between 0 and 100, got %d", key, v)
	}
	return nil
}
