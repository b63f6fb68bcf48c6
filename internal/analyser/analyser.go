// Package analyser wraps the face detection/embedding model behind a shared,
// lazily built handle and implements the identity matching used by the stages.
package analyser

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"

	"github.com/andresmejia3/swapline/internal/lazy"
	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/types"
)

// Cache is an optional store for detector output keyed by frame content.
type Cache interface {
	Get(key string) ([]types.Face, bool)
	Put(key string, faces []types.Face)
}

// KeyFunc derives a cache key from a frame.
type KeyFunc func(*image.RGBA) string

// detectorBox lets a model.Detector interface value live behind a lazy.Handle.
type detectorBox struct{ model.Detector }

// Analyser owns the detector handle for the process.
type Analyser struct {
	handle *lazy.Handle[detectorBox]
	cache  Cache
	key    KeyFunc
}

// New builds an Analyser. open is called at most once per handle lifetime.
func New(open func() (model.Detector, error)) *Analyser {
	return &Analyser{
		handle: lazy.New(func() (*detectorBox, error) {
			d, err := open()
			if err != nil {
				return nil, err
			}
			return &detectorBox{d}, nil
		}, func(b *detectorBox) error {
			return b.Close()
		}),
	}
}

// WithCache attaches a detection cache.
func (a *Analyser) WithCache(c Cache, key KeyFunc) *Analyser {
	a.cache = c
	a.key = key
	return a
}

// Get returns the shared detector, building it on first use.
func (a *Analyser) Get() (model.Detector, error) {
	b, err := a.handle.Get()
	if err != nil {
		return nil, err
	}
	return b.Detector, nil
}

// Clear releases the detector. Only call once every worker of a job has joined.
func (a *Analyser) Clear() error {
	return a.handle.Clear()
}

// Analyze runs detection and reports errors. Most callers want DetectFaces.
func (a *Analyser) Analyze(ctx context.Context, frame *image.RGBA) ([]types.Face, error) {
	var key string
	if a.cache != nil {
		key = a.key(frame)
		if faces, ok := a.cache.Get(key); ok {
			return faces, nil
		}
	}

	b, err := a.handle.Get()
	if err != nil {
		return nil, err
	}
	faces, err := b.Analyze(ctx, frame)
	if errors.Is(err, model.ErrBroken) {
		// The next call spawns a fresh detector.
		slog.Warn("analyser: detector broke, restarting it", "err", err)
		a.handle.Drop(b)
	}
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Put(key, faces)
	}
	return faces, nil
}

// DetectFaces returns every face in the frame in detector order. Any detection
// error collapses to "no faces": one unreadable frame must not abort a job.
func (a *Analyser) DetectFaces(ctx context.Context, frame *image.RGBA) []types.Face {
	faces, err := a.Analyze(ctx, frame)
	if err != nil {
		slog.Debug("analyser: detection failed, treating frame as faceless", "err", err)
		return nil
	}
	return faces
}

// DetectOneFace returns the face at position in detector order. Out of range
// positions fall back to the last detected face. Returns nil if none.
func (a *Analyser) DetectOneFace(ctx context.Context, frame *image.RGBA, position int) *types.Face {
	return pick(a.DetectFaces(ctx, frame), position)
}

// FindSimilarFace returns the first face whose squared embedding distance to
// reference is strictly below threshold. It stops at the first match rather
// than searching for the nearest one.
func (a *Analyser) FindSimilarFace(ctx context.Context, frame *image.RGBA, reference *types.Face, threshold float64) *types.Face {
	return firstSimilar(a.DetectFaces(ctx, frame), reference, threshold)
}

func pick(faces []types.Face, position int) *types.Face {
	if len(faces) == 0 {
		return nil
	}
	if position < 0 || position >= len(faces) {
		position = len(faces) - 1
	}
	f := faces[position]
	return &f
}

func firstSimilar(faces []types.Face, reference *types.Face, threshold float64) *types.Face {
	if !reference.HasEmbedding() {
		return nil
	}
	for i := range faces {
		if !faces[i].HasEmbedding() {
			continue
		}
		if SquaredDistance(faces[i].Embedding, reference.Embedding) < threshold {
			f := faces[i]
			return &f
		}
	}
	return nil
}

// SquaredDistance is the squared Euclidean distance between two embeddings.
// Vectors of different length never match.
func SquaredDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
