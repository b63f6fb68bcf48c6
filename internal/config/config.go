package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is one job's settings. A YAML file uses the same keys as the
// yaml tags; keys left out keep their Defaults value.
type Config struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Output string `yaml:"output"`

	FrameProcessors []string `yaml:"frame_processors"`

	KeepFPS    bool `yaml:"keep_fps"`
	KeepFrames bool `yaml:"keep_frames"`
	SkipAudio  bool `yaml:"skip_audio"`
	ManyFaces  bool `yaml:"many_faces"`

	ReferenceFacePosition int     `yaml:"reference_face_position"`
	ReferenceFrameNumber  int     `yaml:"reference_frame_number"`
	SimilarFaceDistance   float64 `yaml:"similar_face_distance"`

	TempFrameFormat    string `yaml:"temp_frame_format"`  // png, jpg
	TempFrameQuality   int    `yaml:"temp_frame_quality"` // 0..100
	OutputVideoEncoder string `yaml:"output_video_encoder"`
	OutputVideoQuality int    `yaml:"output_video_quality"` // 0..100

	ExecutionProviders []string `yaml:"execution_providers"`
	ExecutionThreads   int      `yaml:"execution_threads"`

	ModelsDir     string `yaml:"models_dir"`
	CacheDir      string `yaml:"cache_dir"` // empty disables the detection cache
	WorkerTimeout string `yaml:"worker_timeout"`
	Python        string `yaml:"python"`
	WorkerScript  string `yaml:"worker_script"`
}

// Encoders are the accepted values of output_video_encoder.
var Encoders = []string{"libx264", "libx265", "libvpx-vp9", "h264_nvenc", "hevc_nvenc"}

// FrameFormats are the accepted values of temp_frame_format.
var FrameFormats = []string{"png", "jpg"}

// DefaultModelsDir is ~/.swapline/models, or a relative "models" directory
// when the home directory cannot be resolved.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".swapline", "models")
}

// Defaults returns the settings of a job nobody configured.
func Defaults() Config {
	return Config{
		FrameProcessors:     []string{"face_swapper"},
		SimilarFaceDistance: 0.85,
		TempFrameFormat:     "png",
		TempFrameQuality:    0,
		OutputVideoEncoder:  "libx264",
		OutputVideoQuality:  35,
		ExecutionProviders:  []string{"cpu"},
		ExecutionThreads:    8,
		ModelsDir:           DefaultModelsDir(),
		WorkerTimeout:       "60s",
		Python:              "python3",
		WorkerScript:        filepath.Join("python", "worker.py"),
	}
}

// Load reads a YAML job file on top of Defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Timeout parses WorkerTimeout. Validate guarantees it succeeds.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.WorkerTimeout)
	return d
}
