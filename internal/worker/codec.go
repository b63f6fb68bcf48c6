package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"math"

	"github.com/andresmejia3/swapline/internal/types"
)

var errShort = errors.New("payload truncated")

// writer builds a request body. Frames travel as [W][H][RGBA pixels], faces as
// [Box x4][Score][NumKps][Kps...][EmbLen][Emb...], all big endian float32.
type writer struct {
	bytes.Buffer
}

func newWriter(op byte) *writer {
	w := &writer{}
	w.WriteByte(op)
	return w
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *writer) frame(img *image.RGBA) {
	b := img.Bounds()
	w.u32(uint32(b.Dx()))
	w.u32(uint32(b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		w.Write(img.Pix[off : off+b.Dx()*4])
	}
}

func (w *writer) face(f *types.Face) {
	if f == nil {
		f = &types.Face{}
	}
	w.f32(f.Box.X1)
	w.f32(f.Box.Y1)
	w.f32(f.Box.X2)
	w.f32(f.Box.Y2)
	w.f32(f.Score)
	w.u32(uint32(len(f.Landmarks)))
	for _, p := range f.Landmarks {
		w.f32(p.X)
		w.f32(p.Y)
	}
	w.u32(uint32(len(f.Embedding)))
	for _, v := range f.Embedding {
		w.f32(float32(v))
	}
}

// reader decodes a response body. The first error sticks; later reads
// return zero values.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = errShort
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) frame() *image.RGBA {
	width, height := int(r.u32()), int(r.u32())
	if r.err != nil {
		return nil
	}
	if width <= 0 || height <= 0 || width*height > maxMessage/4 {
		r.err = errors.New("invalid frame dimensions")
		return nil
	}
	pix := r.take(width * height * 4)
	if pix == nil {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, pix)
	return img
}

func (r *reader) face() types.Face {
	var f types.Face
	f.Box = types.BoundingBox{X1: r.f32(), Y1: r.f32(), X2: r.f32(), Y2: r.f32()}
	f.Score = r.f32()

	n := int(r.u32())
	if n > len(r.b)/8 {
		r.err = errShort
		return f
	}
	f.Landmarks = make([]types.Point, n)
	for i := range f.Landmarks {
		f.Landmarks[i] = types.Point{X: r.f32(), Y: r.f32()}
	}

	n = int(r.u32())
	if n > len(r.b)/4 {
		r.err = errShort
		return f
	}
	if n > 0 {
		f.Embedding = make([]float64, n)
		for i := range f.Embedding {
			f.Embedding[i] = float64(r.f32())
		}
	}
	return f
}

func (r *reader) faces() []types.Face {
	n := int(r.u32())
	if r.err != nil {
		return nil
	}
	faces := make([]types.Face, 0, min(n, 64))
	for i := 0; i < n && r.err == nil; i++ {
		faces = append(faces, r.face())
	}
	if r.err != nil {
		return nil
	}
	return faces
}

func (r *reader) str() string {
	n := int(r.u32())
	return string(r.take(n))
}
