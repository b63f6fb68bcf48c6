package model

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/swapline/internal/types"
)

// ErrBroken marks a model whose connection is out of sync. It will not answer
// again and must be replaced.
var ErrBroken = errors.New("model worker is broken")

// Detector finds faces and their identity embeddings in a frame.
type Detector interface {
	Analyze(ctx context.Context, frame *image.RGBA) ([]types.Face, error)
	Close() error
}

// Swapper replaces target with the identity of source and returns the whole frame.
type Swapper interface {
	Swap(ctx context.Context, frame *image.RGBA, target, source *types.Face) (*image.RGBA, error)
	Close() error
}

// Enhancer restores a cropped face region. The result has the crop's dimensions.
type Enhancer interface {
	Enhance(ctx context.Context, crop *image.RGBA) (*image.RGBA, error)
	Close() error
}
