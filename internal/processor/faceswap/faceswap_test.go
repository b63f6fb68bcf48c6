package faceswap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/swapline/internal/analyser"
	"github.com/andresmejia3/swapline/internal/dispatch"
	"github.com/andresmejia3/swapline/internal/media"
	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/processor"
	"github.com/andresmejia3/swapline/internal/reference"
	"github.com/andresmejia3/swapline/internal/types"
)

// pixelDetector derives faces from pixel (0,0): R is the identity (0 = no
// face), B is the number of extra faces.
type pixelDetector struct{}

func (pixelDetector) Analyze(_ context.Context, f *image.RGBA) ([]types.Face, error) {
	px := f.RGBAAt(0, 0)
	if px.R == 0 {
		return nil, nil
	}
	faces := make([]types.Face, 1+int(px.B))
	for i := range faces {
		faces[i] = types.Face{
			Box:       types.BoundingBox{X1: float32(i), Y1: 0, X2: float32(i + 1), Y2: 1},
			Embedding: []float64{float64(px.R) / 255, 0},
		}
	}
	return faces, nil
}

func (pixelDetector) Close() error { return nil }

// greenSwapper paints the whole frame's green channel so swaps are visible.
type greenSwapper struct {
	calls  atomic.Int64
	closed atomic.Bool
}

func (g *greenSwapper) Swap(_ context.Context, frame *image.RGBA, target, source *types.Face) (*image.RGBA, error) {
	if source == nil || target == nil {
		return nil, errors.New("missing face")
	}
	g.calls.Add(1)
	out := image.NewRGBA(frame.Bounds())
	copy(out.Pix, frame.Pix)
	for i := 1; i < len(out.Pix); i += 4 {
		out.Pix[i] = 200
	}
	return out, nil
}

func (g *greenSwapper) Close() error {
	g.closed.Store(true)
	return nil
}

func writeFrame(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(0, 0, c)
	if err := media.WriteFrame(path, img); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	dir      string
	swapper  *greenSwapper
	deps     *processor.Deps
	stage    processor.Stage
	recorded []int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, swapper: &greenSwapper{}}

	source := filepath.Join(dir, "face.png")
	writeFrame(t, source, color.RGBA{R: 128, A: 255})
	target := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(target, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	f.deps = &processor.Deps{
		Job: &processor.Job{
			SourcePath:          source,
			TargetPath:          target,
			OutputPath:          filepath.Join(dir, "out.mp4"),
			SimilarFaceDistance: 0.6,
			TempFrameFormat:     "png",
		},
		Analyser:    analyser.New(func() (model.Detector, error) { return pixelDetector{}, nil }),
		Reference:   &reference.State{},
		Dispatcher:  dispatch.New(4),
		OpenSwapper: func() (model.Swapper, error) { return f.swapper, nil },
		OnReference: func(frame, _ int, _ *types.Face) { f.recorded = append(f.recorded, frame) },
	}
	f.stage = New(f.deps)
	return f
}

// Ten frames, threshold 0.6: even frames carry the reference identity, odd
// frames a different one. Only even frames may change.
func TestProcessVideoSwapsOnlyMatchingFrames(t *testing.T) {
	f := newFixture(t)

	var paths [][]byte
	var framePaths []string
	for i := 0; i < 10; i++ {
		p := filepath.Join(f.dir, fmt.Sprintf("%04d.png", i+1))
		id := uint8(255)
		if i%2 == 1 {
			id = 10 // squared distance to the reference is ~0.92
		}
		writeFrame(t, p, color.RGBA{R: id, A: 255})
		data, _ := os.ReadFile(p)
		paths = append(paths, data)
		framePaths = append(framePaths, p)
	}

	if err := f.stage.ProcessVideo(context.Background(), f.deps.Job.SourcePath, framePaths); err != nil {
		t.Fatalf("ProcessVideo failed: %v", err)
	}

	ref, ok := f.deps.Reference.Get()
	if !ok || ref.Embedding[0] != 1 {
		t.Fatalf("Expected reference from frame 0, got %+v", ref)
	}
	if len(f.recorded) != 1 || f.recorded[0] != 0 {
		t.Errorf("Expected reference to be reported once for frame 0, got %v", f.recorded)
	}

	for i, p := range framePaths {
		after, _ := os.ReadFile(p)
		if i%2 == 1 {
			if !bytes.Equal(after, paths[i]) {
				t.Errorf("Frame %d has no matching face and must be byte-identical", i)
			}
			continue
		}
		img, err := media.ReadFrame(p)
		if err != nil {
			t.Fatal(err)
		}
		if img.RGBAAt(2, 2).G != 200 {
			t.Errorf("Frame %d matches the reference and should be swapped", i)
		}
	}
	if f.swapper.calls.Load() != 5 {
		t.Errorf("Expected 5 swaps, got %d", f.swapper.calls.Load())
	}

	if err := f.stage.PostProcess(); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.deps.Reference.Get(); ok {
		t.Error("PostProcess must clear the reference face")
	}
	if !f.swapper.closed.Load() {
		t.Error("PostProcess must release the swap model")
	}
}

func TestProcessVideoKeepsExistingReference(t *testing.T) {
	f := newFixture(t)
	p := filepath.Join(f.dir, "0001.png")
	writeFrame(t, p, color.RGBA{R: 10, A: 255})

	// Reference already chosen: the identity of the frame, so it matches.
	if err := f.deps.Reference.Set(&types.Face{Embedding: []float64{10.0 / 255, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := f.stage.ProcessVideo(context.Background(), f.deps.Job.SourcePath, []string{p}); err != nil {
		t.Fatal(err)
	}
	if len(f.recorded) != 0 {
		t.Error("An existing reference must not be replaced")
	}
	if f.swapper.calls.Load() != 1 {
		t.Errorf("Expected 1 swap, got %d", f.swapper.calls.Load())
	}
}

func TestProcessVideoReferenceErrors(t *testing.T) {
	f := newFixture(t)
	empty := filepath.Join(f.dir, "0001.png")
	writeFrame(t, empty, color.RGBA{A: 255})

	f.deps.Job.ReferenceFrameNumber = 5
	err := f.stage.ProcessVideo(context.Background(), f.deps.Job.SourcePath, []string{empty})
	if !errors.Is(err, ErrReferenceOutRange) {
		t.Errorf("Expected ErrReferenceOutRange, got %v", err)
	}

	f.deps.Job.ReferenceFrameNumber = 0
	err = f.stage.ProcessVideo(context.Background(), f.deps.Job.SourcePath, []string{empty})
	if !errors.Is(err, ErrNoReferenceFace) {
		t.Errorf("Expected ErrNoReferenceFace, got %v", err)
	}

	// Many-faces mode does not need a reference.
	f.deps.Job.ManyFaces = true
	if err := f.stage.ProcessVideo(context.Background(), f.deps.Job.SourcePath, []string{empty}); err != nil {
		t.Errorf("Expected many-faces mode to proceed, got %v", err)
	}
}

func TestProcessFrameManyFaces(t *testing.T) {
	f := newFixture(t)
	f.deps.Job.ManyFaces = true

	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))
	frame.SetRGBA(0, 0, color.RGBA{R: 99, B: 2, A: 255}) // three faces, none matching
	source := &types.Face{Embedding: []float64{1, 0}}

	out, err := f.stage.ProcessFrame(context.Background(), source, nil, frame)
	if err != nil {
		t.Fatal(err)
	}
	if f.swapper.calls.Load() != 3 {
		t.Errorf("Expected every face to be swapped, got %d", f.swapper.calls.Load())
	}
	if out == frame {
		t.Error("Expected a new frame")
	}
}

func TestProcessFrameWithoutReferenceIsUntouched(t *testing.T) {
	f := newFixture(t)
	frame := image.NewRGBA(image.Rect(0, 0, 4, 4))
	frame.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})

	out, err := f.stage.ProcessFrame(context.Background(), &types.Face{}, nil, frame)
	if err != nil {
		t.Fatal(err)
	}
	if out != frame || f.swapper.calls.Load() != 0 {
		t.Error("Without a reference nothing may be swapped")
	}
}

func TestProcessImage(t *testing.T) {
	f := newFixture(t)
	target := filepath.Join(f.dir, "photo.png")
	writeFrame(t, target, color.RGBA{R: 200, A: 255})
	output := filepath.Join(f.dir, "out.png")

	if err := f.stage.ProcessImage(context.Background(), f.deps.Job.SourcePath, target, output); err != nil {
		t.Fatal(err)
	}
	img, err := media.ReadFrame(output)
	if err != nil {
		t.Fatal(err)
	}
	if img.RGBAAt(3, 3).G != 200 {
		t.Error("Expected the target's own face to be swapped")
	}
	if _, ok := f.deps.Reference.Get(); ok {
		t.Error("Image jobs must not set the shared reference")
	}
}

func TestPreStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.stage.PreStart(ctx); err != nil {
		t.Fatalf("Expected valid job, got %v", err)
	}

	noFace := filepath.Join(f.dir, "blank.png")
	writeFrame(t, noFace, color.RGBA{A: 255})
	notes := filepath.Join(f.dir, "notes.txt")
	os.WriteFile(notes, []byte("hi"), 0644)

	tests := []struct {
		name   string
		source string
		target string
		want   error
	}{
		{"source not an image", notes, f.deps.Job.TargetPath, ErrSourceNotImage},
		{"source without face", noFace, f.deps.Job.TargetPath, ErrNoSourceFace},
		{"target not media", f.deps.Job.SourcePath, notes, ErrTargetNotMedia},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := *f.deps.Job
			job.SourcePath, job.TargetPath = tt.source, tt.target
			deps := *f.deps
			deps.Job = &job
			if err := New(&deps).PreStart(ctx); !errors.Is(err, tt.want) {
				t.Errorf("PreStart() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPreCheckDownloadsModel(t *testing.T) {
	f := newFixture(t)
	var got []string
	f.deps.ModelsDir = "/models"
	f.deps.Download = func(_ context.Context, dir string, urls []string) error {
		got = append(got, dir)
		got = append(got, urls...)
		return nil
	}
	if err := f.stage.PreCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "/models" || got[1] != ModelURL {
		t.Errorf("Unexpected download request %v", got)
	}
}
