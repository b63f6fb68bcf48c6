// Package dispatch fans frame work out over a fixed pool of workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/swapline/internal/types"
)

// ProcessFrames transforms a run of frame files in place, calling onProgress
// once per finished frame.
type ProcessFrames func(ctx context.Context, sourcePath string, framePaths []string, onProgress func()) error

// Progress receives one Tick per processed frame, from any worker.
type Progress interface {
	Tick()
}

// ChunkSize is the number of frames given to each task: n / workers, at least 1.
func ChunkSize(n, workers int) int {
	if workers < 1 {
		workers = 1
	}
	return max(n/workers, 1)
}

// Partition splits paths into contiguous chunks of ChunkSize, in order. The
// last chunk may be shorter. Every path lands in exactly one chunk.
func Partition(paths []string, workers int) [][]string {
	size := ChunkSize(len(paths), workers)
	chunks := make([][]string, 0, (len(paths)+size-1)/size)
	for start := 0; start < len(paths); start += size {
		end := min(start+size, len(paths))
		chunks = append(chunks, paths[start:end:end])
	}
	return chunks
}

// Dispatcher runs ProcessFrames over chunks with a bounded worker pool.
type Dispatcher struct {
	workers int
}

// New returns a Dispatcher with the given pool size (minimum 1).
func New(workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{workers: workers}
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Run partitions paths and processes every chunk. It blocks until all tasks
// have finished, then returns every task failure joined together. Once ctx is
// cancelled, queued chunks are skipped and ctx.Err() is reported.
func (d *Dispatcher) Run(ctx context.Context, sourcePath string, paths []string, fn ProcessFrames, progress Progress) error {
	chunks := Partition(paths, d.workers)
	if len(chunks) == 0 {
		return nil
	}

	// Every chunk is queued up front; extra chunks wait behind busy workers
	// instead of blocking the submitter.
	tasks := make(chan types.FrameTask, len(chunks))
	for i, c := range chunks {
		tasks <- types.FrameTask{Index: i, Paths: c}
	}
	close(tasks)

	onProgress := func() {}
	if progress != nil {
		onProgress = progress.Tick
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	poolSize := min(d.workers, len(chunks))
	slog.Debug("dispatch: starting pool", "workers", poolSize, "chunks", len(chunks), "chunk_size", ChunkSize(len(paths), d.workers))

	for w := 0; w < poolSize; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for task := range tasks {
				if ctx.Err() != nil {
					continue // Drain without working
				}
				if err := runTask(ctx, sourcePath, task, fn, onProgress); err != nil {
					slog.Debug("dispatch: chunk failed", "worker", workerID, "chunk", task.Index, "err", err)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runTask isolates a single chunk so a panic surfaces as that chunk's error.
func runTask(ctx context.Context, sourcePath string, task types.FrameTask, fn ProcessFrames, onProgress func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk %d panicked: %v", task.Index, r)
		}
	}()
	if err := fn(ctx, sourcePath, task.Paths, onProgress); err != nil {
		return fmt.Errorf("chunk %d (%s): %w", task.Index, task.Paths[0], err)
	}
	return nil
}
