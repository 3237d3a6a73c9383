package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var outputMu sync.Mutex

// Progress renders an in-place "label: done/total" line for one dispatch.
// Nothing is drawn when stdout is not a terminal.
type Progress struct {
	label   string
	out     io.Writer
	enabled bool

	mu    sync.Mutex
	done  int
	total int
	drawn bool
}

// NewProgress creates a progress line writing to stdout.
func NewProgress(label string) *Progress {
	return &Progress{label: label, out: os.Stdout, enabled: isTerminal(os.Stdout)}
}

// Update redraws the line. Unknown totals leave output unchanged.
func (p *Progress) Update(done, total int) {
	if total <= 0 || !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done, p.total = done, total
	p.drawn = true

	outputMu.Lock()
	defer outputMu.Unlock()
	fmt.Fprintf(p.out, "\r%s: %d/%d", p.label, done, total)
}

// Stop completes the line and moves to the next one.
func (p *Progress) Stop() {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.drawn {
		return
	}
	p.drawn = false

	outputMu.Lock()
	defer outputMu.Unlock()
	fmt.Fprintf(p.out, "\r%s: %d/%d\n", p.label, p.total, p.total)
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
