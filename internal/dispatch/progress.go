package dispatch

import (
	"fmt"
	"io"
	"os"
	"runtime/metrics"
	"strconv"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
)

const gigabyte = 1024 * 1024 * 1024

// Bar is a Progress sink that renders a progress bar annotated with resident
// memory, execution providers and thread count. Safe for concurrent Tick.
type Bar struct {
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	providers string
	threads   int
	sample    []metrics.Sample
}

// NewBar creates a bar for total frames writing to w.
func NewBar(w io.Writer, total int, providers []string, threads int) *Bar {
	return &Bar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Processing"),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frame"),
			progressbar.OptionFullWidth(),
		),
		providers: strings.Join(providers, ","),
		threads:   threads,
		sample:    []metrics.Sample{{Name: "/memory/classes/total:bytes"}},
	}
}

// Tick records one processed frame.
func (b *Bar) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	label, mem := b.memory()
	b.bar.Describe(fmt.Sprintf("Processing [%s=%05.2fGB execution_providers=%s execution_threads=%d]",
		label, mem, b.providers, b.threads))
	b.bar.Add(1)
}

// memory reports the process RSS. Without procfs it falls back to the memory
// mapped by the Go runtime, under a different label.
func (b *Bar) memory() (string, float64) {
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		if rss, ok := parseStatm(data, os.Getpagesize()); ok {
			return "memory_usage", float64(rss) / gigabyte
		}
	}
	metrics.Read(b.sample)
	var mem float64
	if b.sample[0].Value.Kind() == metrics.KindUint64 {
		mem = float64(b.sample[0].Value.Uint64()) / gigabyte
	}
	return "go_memory", mem
}

// parseStatm returns the resident set size in bytes from /proc/<pid>/statm,
// whose second field counts resident pages.
func parseStatm(data []byte, pageSize int) (uint64, bool) {
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(pageSize), true
}

// Count returns the number of ticks so far.
func (b *Bar) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.bar.State().CurrentNum)
}

// Finish completes the bar.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Finish()
}
