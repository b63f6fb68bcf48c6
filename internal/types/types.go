package types

import (
	"image"
	"time"
)

// Point is a 2D landmark coordinate in frame space.
type Point struct {
	X float32 `msgpack:"x"`
	Y float32 `msgpack:"y"`
}

// BoundingBox is a face box as [x1, y1, x2, y2] in frame pixels.
type BoundingBox struct {
	X1 float32 `msgpack:"x1"`
	Y1 float32 `msgpack:"y1"`
	X2 float32 `msgpack:"x2"`
	Y2 float32 `msgpack:"y2"`
}

// Rect truncates the box to integer pixel coordinates.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Face is one detected face in one frame. Faces are treated as immutable once
// produced by the detector.
type Face struct {
	Box       BoundingBox `msgpack:"box"`
	Landmarks []Point     `msgpack:"kps"`   // 5-point landmarks used by the swap model
	Score     float32     `msgpack:"score"` // detector confidence
	Embedding []float64   `msgpack:"emb"`   // normalized identity embedding, may be empty
}

// HasEmbedding reports whether the face carries an identity vector.
func (f *Face) HasEmbedding() bool {
	return f != nil && len(f.Embedding) > 0
}

// Clone returns a deep copy so the face can outlive the frame it came from.
func (f *Face) Clone() *Face {
	if f == nil {
		return nil
	}
	c := *f
	c.Landmarks = append([]Point(nil), f.Landmarks...)
	c.Embedding = append([]float64(nil), f.Embedding...)
	return &c
}

// FrameTask is a contiguous run of frame paths handed to one worker.
type FrameTask struct {
	Index int
	Paths []string
}

// JobRecord is one row of the job ledger.
type JobRecord struct {
	ID         string
	SourcePath string
	TargetPath string
	OutputPath string
	Mode       string // "image" or "video"
	Stages     []string
	Status     string // "running", "succeeded" or "failed"
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
