package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/swapline/internal/analyser"
	"github.com/andresmejia3/swapline/internal/assets"
	"github.com/andresmejia3/swapline/internal/config"
	"github.com/andresmejia3/swapline/internal/dispatch"
	"github.com/andresmejia3/swapline/internal/facecache"
	"github.com/andresmejia3/swapline/internal/media"
	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/processor"
	"github.com/andresmejia3/swapline/internal/processor/faceenhance"
	"github.com/andresmejia3/swapline/internal/processor/faceswap"
	"github.com/andresmejia3/swapline/internal/reference"
	"github.com/andresmejia3/swapline/internal/types"
	"github.com/andresmejia3/swapline/internal/utils"
	"github.com/andresmejia3/swapline/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runOpts = config.Defaults()

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Swap or enhance faces in an image or video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := resolveRunConfig(cmd, runOpts, configPath)
		if err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		return runJob(cmd.Context(), cfg)
	},
}

func init() {
	bindRunFlags(runCmd, &runOpts)
	rootCmd.AddCommand(runCmd)
}

func bindRunFlags(cmd *cobra.Command, o *config.Config) {
	f := cmd.Flags()
	f.StringVarP(&o.Source, "source", "s", o.Source, "Image holding the face to swap in")
	f.StringVarP(&o.Target, "target", "t", o.Target, "Image or video to process")
	f.StringVarP(&o.Output, "output", "o", o.Output, "Output file or directory")
	f.StringSliceVar(&o.FrameProcessors, "frame-processor", o.FrameProcessors, "Frame processors in order: face_swapper, face_enhancer")
	f.BoolVar(&o.KeepFPS, "keep-fps", o.KeepFPS, "Keep the target's frame rate")
	f.BoolVar(&o.KeepFrames, "keep-frames", o.KeepFrames, "Keep extracted frames after the job")
	f.BoolVar(&o.SkipAudio, "skip-audio", o.SkipAudio, "Do not copy the target's audio")
	f.BoolVar(&o.ManyFaces, "many-faces", o.ManyFaces, "Process every face instead of the reference match")
	f.IntVar(&o.ReferenceFacePosition, "reference-face-position", o.ReferenceFacePosition, "Position of the reference face in the reference frame")
	f.IntVar(&o.ReferenceFrameNumber, "reference-frame-number", o.ReferenceFrameNumber, "Frame the reference face is taken from")
	f.Float64Var(&o.SimilarFaceDistance, "similar-face-distance", o.SimilarFaceDistance, "Squared embedding distance below which a face matches the reference")
	f.StringVar(&o.TempFrameFormat, "temp-frame-format", o.TempFrameFormat, "Extracted frame format: png, jpg")
	f.IntVar(&o.TempFrameQuality, "temp-frame-quality", o.TempFrameQuality, "Extracted frame quality (0-100)")
	f.StringVar(&o.OutputVideoEncoder, "output-video-encoder", o.OutputVideoEncoder, "Encoder: libx264, libx265, libvpx-vp9, h264_nvenc, hevc_nvenc")
	f.IntVar(&o.OutputVideoQuality, "output-video-quality", o.OutputVideoQuality, "Output video quality (0-100)")
	f.StringSliceVar(&o.ExecutionProviders, "execution-provider", o.ExecutionProviders, "Model execution providers, e.g. cpu, cuda, coreml")
	f.IntVar(&o.ExecutionThreads, "execution-threads", o.ExecutionThreads, "Number of parallel frame workers")
	f.StringVar(&o.ModelsDir, "models-dir", o.ModelsDir, "Directory model weights are downloaded to")
	f.StringVar(&o.CacheDir, "cache-dir", o.CacheDir, "Detection cache directory (empty disables the cache)")
	f.StringVar(&o.WorkerTimeout, "worker-timeout", o.WorkerTimeout, "Timeout for a model worker to answer a single call")
	f.StringVar(&o.Python, "python", o.Python, "Python interpreter for model workers")
	f.StringVar(&o.WorkerScript, "worker-script", o.WorkerScript, "Model worker script")
}

// flagOverrides copies an explicitly set flag from the flag-bound config
// onto the effective one.
var flagOverrides = map[string]func(dst, src *config.Config){
	"source":                  func(d, s *config.Config) { d.Source = s.Source },
	"target":                  func(d, s *config.Config) { d.Target = s.Target },
	"output":                  func(d, s *config.Config) { d.Output = s.Output },
	"frame-processor":         func(d, s *config.Config) { d.FrameProcessors = s.FrameProcessors },
	"keep-fps":                func(d, s *config.Config) { d.KeepFPS = s.KeepFPS },
	"keep-frames":             func(d, s *config.Config) { d.KeepFrames = s.KeepFrames },
	"skip-audio":              func(d, s *config.Config) { d.SkipAudio = s.SkipAudio },
	"many-faces":              func(d, s *config.Config) { d.ManyFaces = s.ManyFaces },
	"reference-face-position": func(d, s *config.Config) { d.ReferenceFacePosition = s.ReferenceFacePosition },
	"reference-frame-number":  func(d, s *config.Config) { d.ReferenceFrameNumber = s.ReferenceFrameNumber },
	"similar-face-distance":   func(d, s *config.Config) { d.SimilarFaceDistance = s.SimilarFaceDistance },
	"temp-frame-format":       func(d, s *config.Config) { d.TempFrameFormat = s.TempFrameFormat },
	"temp-frame-quality":      func(d, s *config.Config) { d.TempFrameQuality = s.TempFrameQuality },
	"output-video-encoder":    func(d, s *config.Config) { d.OutputVideoEncoder = s.OutputVideoEncoder },
	"output-video-quality":    func(d, s *config.Config) { d.OutputVideoQuality = s.OutputVideoQuality },
	"execution-provider":      func(d, s *config.Config) { d.ExecutionProviders = s.ExecutionProviders },
	"execution-threads":       func(d, s *config.Config) { d.ExecutionThreads = s.ExecutionThreads },
	"models-dir":              func(d, s *config.Config) { d.ModelsDir = s.ModelsDir },
	"cache-dir":               func(d, s *config.Config) { d.CacheDir = s.CacheDir },
	"worker-timeout":          func(d, s *config.Config) { d.WorkerTimeout = s.WorkerTimeout },
	"python":                  func(d, s *config.Config) { d.Python = s.Python },
	"worker-script":           func(d, s *config.Config) { d.WorkerScript = s.WorkerScript },
}

// resolveRunConfig layers defaults, the YAML file at path (if any) and the
// flags the user actually set, in that order.
func resolveRunConfig(cmd *cobra.Command, flags config.Config, path string) (*config.Config, error) {
	cfg := flags
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
		for name, apply := range flagOverrides {
			if cmd.Flags().Changed(name) {
				apply(&cfg, &flags)
			}
		}
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	if err := validateRunFlags(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateRunFlags(cfg *config.Config) error {
	if cfg.Source == "" || cfg.Target == "" || cfg.Output == "" {
		return fmt.Errorf("source, target and output paths are required")
	}
	info, err := os.Stat(cfg.Target)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("target file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access target file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("target path %s is a directory, expected an image or video", cfg.Target)
	}
	return nil
}

// newRegistry lists every frame processor this build ships.
func newRegistry() *processor.Registry {
	r := processor.NewRegistry()
	r.Register(faceswap.Name, faceswap.New)
	r.Register(faceenhance.Name, faceenhance.New)
	return r
}

func newJob(cfg *config.Config) *processor.Job {
	return &processor.Job{
		SourcePath:            cfg.Source,
		TargetPath:            cfg.Target,
		OutputPath:            media.NormalizeOutputPath(cfg.Source, cfg.Target, cfg.Output),
		FrameProcessors:       cfg.FrameProcessors,
		KeepFPS:               cfg.KeepFPS,
		KeepFrames:            cfg.KeepFrames,
		SkipAudio:             cfg.SkipAudio,
		ManyFaces:             cfg.ManyFaces,
		ReferenceFacePosition: cfg.ReferenceFacePosition,
		ReferenceFrameNumber:  cfg.ReferenceFrameNumber,
		SimilarFaceDistance:   cfg.SimilarFaceDistance,
		TempFrameFormat:       cfg.TempFrameFormat,
		TempFrameQuality:      cfg.TempFrameQuality,
		OutputVideoEncoder:    cfg.OutputVideoEncoder,
		OutputVideoQuality:    cfg.OutputVideoQuality,
		ExecutionProviders:    cfg.ExecutionProviders,
		ExecutionThreads:      cfg.ExecutionThreads,
	}
}

// workerSet tracks every model worker a job spawns so a failure can dump
// the logs of the one that crashed.
type workerSet struct {
	mu   sync.Mutex
	cfg  *config.Config
	list []*worker.ModelWorker
}

func (s *workerSet) open(ctx context.Context, kind worker.Kind, modelPath string, providers []string) (*worker.ModelWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := worker.NewModelWorker(ctx, len(s.list), worker.Config{
		Python:      s.cfg.Python,
		Script:      s.cfg.WorkerScript,
		Kind:        kind,
		ModelPath:   modelPath,
		Providers:   providers,
		ReadTimeout: s.cfg.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	s.list = append(s.list, w)
	return w, nil
}

// crashed returns the first worker command that wrote to stderr.
func (s *workerSet) crashed() *utils.SafeCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.list {
		if w.Cmd.Stderr.Len() > 0 {
			return w.Cmd
		}
	}
	return nil
}

// runJob wires a job's collaborators and runs it through the stage chain.
func runJob(ctx context.Context, cfg *config.Config) (err error) {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	job := newJob(cfg)
	mode := "video"
	if media.IsImage(job.TargetPath) {
		mode = "image"
	} else if err := media.CheckInstalled(); err != nil {
		utils.ShowError("FFmpeg is required for video targets", err, nil)
		return err
	}

	jobID := uuid.NewString()
	fmt.Fprintf(os.Stderr, "🎬 Job %s: %s -> %s\n", jobID[:8], job.TargetPath, job.OutputPath)

	workers := &workerSet{cfg: cfg}
	an := analyser.New(func() (model.Detector, error) {
		w, err := workers.open(ctx, worker.KindAnalyser, cfg.ModelsDir, cfg.ExecutionProviders)
		if err != nil {
			return nil, err
		}
		return w, nil
	})
	// Stages release the analyser in teardown; this covers jobs that fail earlier.
	defer an.Clear()

	if cfg.CacheDir != "" {
		cache, err := facecache.Open(facecache.Options{Dir: cfg.CacheDir})
		if err != nil {
			utils.ShowError("Failed to open detection cache", err, nil)
			return err
		}
		defer cache.Close()
		an = an.WithCache(cache, facecache.Key)
		fmt.Fprintf(os.Stderr, "💾 Detection cache: %s\n", cfg.CacheDir)
	}

	deps := &processor.Deps{
		Job:        job,
		Analyser:   an,
		Reference:  &reference.State{},
		Dispatcher: dispatch.New(cfg.ExecutionThreads),
		ModelsDir:  cfg.ModelsDir,
		Download: func(ctx context.Context, dir string, urls []string) error {
			return assets.ConditionalDownload(ctx, dir, urls, os.Stderr)
		},
		OpenSwapper: func() (model.Swapper, error) {
			w, err := workers.open(ctx, worker.KindSwapper, filepath.Join(cfg.ModelsDir, faceswap.ModelFile), cfg.ExecutionProviders)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		OpenEnhancer: func() (model.Enhancer, error) {
			device := []string{faceenhance.Device(cfg.ExecutionProviders)}
			w, err := workers.open(ctx, worker.KindEnhancer, filepath.Join(cfg.ModelsDir, faceenhance.ModelFile), device)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		NewProgress: func(total int) processor.ProgressSink {
			return dispatch.NewBar(os.Stderr, total, cfg.ExecutionProviders, cfg.ExecutionThreads)
		},
		Status: utils.UpdateStatus,
	}

	stages, err := newRegistry().Resolve(cfg.FrameProcessors, deps)
	if err != nil {
		utils.ShowError("Unknown frame processor", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "⚙️  %d stage(s), %d frame workers\n", len(stages), deps.Dispatcher.Workers())

	book, err := openLedger(ctx, DB, types.JobRecord{
		ID:         jobID,
		SourcePath: job.SourcePath,
		TargetPath: job.TargetPath,
		OutputPath: job.OutputPath,
		Mode:       mode,
		Stages:     cfg.FrameProcessors,
	})
	if err != nil {
		utils.ShowError("Ledger Error", err, nil)
		return err
	}
	defer func() { book.finish(err) }()
	deps.OnReference = book.referenceHook(ctx)

	chain := &processor.Chain{
		Stages: stages,
		Deps:   deps,
		Video: &media.FFmpeg{
			FrameFormat:  cfg.TempFrameFormat,
			FrameQuality: cfg.TempFrameQuality,
			Encoder:      cfg.OutputVideoEncoder,
			VideoQuality: cfg.OutputVideoQuality,
			LogLevel:     "error",
		},
	}

	if err := chain.PreCheck(ctx); err != nil {
		utils.ShowError("Failed to prepare models", err, nil)
		return err
	}
	if err := chain.PreStart(ctx); err != nil {
		utils.ShowError("Invalid job inputs", err, workers.crashed())
		return err
	}
	if err := chain.Run(ctx); err != nil {
		utils.ShowError("Job failed", err, workers.crashed())
		return err
	}

	fmt.Fprintf(os.Stderr, "🏁 Job %s complete: %s\n", jobID[:8], job.OutputPath)
	return nil
}
