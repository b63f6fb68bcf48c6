package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/swapline/internal/model"
	"github.com/andresmejia3/swapline/internal/types"
	"github.com/andresmejia3/swapline/internal/utils" // Using the SafeCommand wrapper
)

// Kind selects which model the worker process loads.
type Kind string

const (
	KindAnalyser Kind = "analyser"
	KindSwapper  Kind = "swapper"
	KindEnhancer Kind = "enhancer"
)

// Request opcodes. Must match python/worker.py.
const (
	opAnalyze byte = 1
	opSwap    byte = 2
	opEnhance byte = 3
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxMessage guards against reading garbage lengths from a crashed worker.
const maxMessage = 512 * 1024 * 1024

var (
	_ model.Detector = (*ModelWorker)(nil)
	_ model.Swapper  = (*ModelWorker)(nil)
	_ model.Enhancer = (*ModelWorker)(nil)
)

// Config describes how to start a model worker.
type Config struct {
	Python      string        // interpreter, e.g. "python3"
	Script      string        // path to the worker script
	Kind        Kind          // which model to host
	ModelPath   string        // weights file for the model
	Providers   []string      // execution providers, e.g. ["cuda", "cpu"]
	ReadTimeout time.Duration // 0 disables the timeout
}

// ModelWorker is a long-lived model process spoken to over pipes.
// Protocol: [Length][Body] both ways. Calls are serialized.
type ModelWorker struct {
	ID          int
	Kind        Kind
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu     sync.Mutex
	broken error // first I/O failure; the stream is unusable after it
}

// NewModelWorker starts the worker process.
func NewModelWorker(ctx context.Context, id int, cfg Config) (*ModelWorker, error) {
	args := []string{"-u", cfg.Script, "--model", string(cfg.Kind), "--model-path", cfg.ModelPath}
	if len(cfg.Providers) > 0 {
		args = append(args, "--providers", strings.Join(cfg.Providers, ","))
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("%s worker %d failed to start: %w", cfg.Kind, id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &ModelWorker{
		ID:          id,
		Kind:        cfg.Kind,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Analyze detects faces and embeddings in frame.
func (w *ModelWorker) Analyze(ctx context.Context, frame *image.RGBA) ([]types.Face, error) {
	req := newWriter(opAnalyze)
	req.frame(frame)

	resp, err := w.call(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	r := &reader{b: resp}
	faces := r.faces()
	if r.err != nil {
		return nil, fmt.Errorf("malformed analyze response: %w", r.err)
	}
	return faces, nil
}

// Swap pastes source's identity over target and returns the whole frame.
func (w *ModelWorker) Swap(ctx context.Context, frame *image.RGBA, target, source *types.Face) (*image.RGBA, error) {
	req := newWriter(opSwap)
	req.frame(frame)
	req.face(target)
	req.face(source)
	return w.frameCall(ctx, req.Bytes())
}

// Enhance restores a face crop. The result has the crop's size.
func (w *ModelWorker) Enhance(ctx context.Context, crop *image.RGBA) (*image.RGBA, error) {
	req := newWriter(opEnhance)
	req.frame(crop)
	out, err := w.frameCall(ctx, req.Bytes())
	if err != nil {
		return nil, err
	}
	if out.Bounds().Size() != crop.Bounds().Size() {
		return nil, fmt.Errorf("enhancer returned %v, expected %v", out.Bounds().Size(), crop.Bounds().Size())
	}
	return out, nil
}

func (w *ModelWorker) frameCall(ctx context.Context, body []byte) (*image.RGBA, error) {
	resp, err := w.call(ctx, body)
	if err != nil {
		return nil, err
	}
	r := &reader{b: resp}
	img := r.frame()
	if r.err != nil {
		return nil, fmt.Errorf("malformed frame response: %w", r.err)
	}
	return img, nil
}

// call sends one request and returns the OK payload, or the worker's error.
func (w *ModelWorker) call(ctx context.Context, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	resp, err := w.Communicate(body)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from %s worker", w.Kind)
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := &reader{b: resp[1:]}
		msg := r.str()
		if r.err != nil {
			return nil, fmt.Errorf("malformed error response: %w", r.err)
		}
		return nil, fmt.Errorf("model worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// Communicate writes one framed message and reads one framed reply. After any
// I/O failure the reply stream can no longer be trusted, so every later call
// fails with model.ErrBroken.
func (w *ModelWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, fmt.Errorf("%w: %s worker %d: %v", model.ErrBroken, w.Kind, w.ID, w.broken)
	}
	resp, err := w.exchange(data)
	if err != nil {
		w.broken = err
		return nil, fmt.Errorf("%w: %w", model.ErrBroken, err)
	}
	return resp, nil
}

func (w *ModelWorker) exchange(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Pipes from os.Pipe support deadlines; in-memory test pipes don't need them.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the worker crashing on import
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("response length %d exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// Close shuts the worker down and waits for the process to exit.
func (w *ModelWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
