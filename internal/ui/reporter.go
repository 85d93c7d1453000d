// Package ui draws a progress line for the running iteration on a terminal.
package ui

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gustycube/avasite/internal/logging"
	"github.com/gustycube/avasite/internal/types"
)

// Reporter renders iteration progress on stderr. It stays silent when the
// output is not a terminal, so piped runs only carry result lines and logs.
type Reporter struct {
	mu       sync.Mutex
	logger   *logging.Logger
	output   io.Writer
	enabled  bool
	lastLine string
	bar      *ProgressBar
	stats    *Stats
}

// NewReporter writes to os.Stderr when enabled and stderr is a terminal.
func NewReporter(logger *logging.Logger, enabled bool) *Reporter {
	return NewReporterTo(os.Stderr, logger, enabled && isTerminal(os.Stderr))
}

func NewReporterTo(w io.Writer, logger *logging.Logger, enabled bool) *Reporter {
	if logger == nil {
		logger = logging.New()
	}
	return &Reporter{logger: logger, output: w, enabled: enabled}
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// Begin starts a new iteration over total targets.
func (r *Reporter) Begin(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar = NewProgressBar(int64(total), "Checking targets")
	r.stats = NewStats()
	r.draw()
}

func (r *Reporter) Observe(res types.CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats != nil {
		r.stats.Observe(res)
	}
}

func (r *Reporter) TargetDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		return
	}
	r.bar.Add(1)
	r.stats.TargetDone()
	r.draw()
}

// End clears the progress line and logs the iteration summary.
func (r *Reporter) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar == nil {
		return
	}
	r.bar.Finish()
	r.clearLine()
	r.logger.Infow("iteration summary", "summary", r.stats.Summary())
	r.bar, r.stats = nil, nil
}

func (r *Reporter) draw() {
	if !r.enabled || r.bar == nil {
		return
	}
	r.clearLine()
	line := r.bar.String()
	io.WriteString(r.output, line+"\r")
	r.lastLine = line
}

func (r *Reporter) clearLine() {
	if !r.enabled || r.lastLine == "" {
		return
	}
	io.WriteString(r.output, "\r"+strings.Repeat(" ", len(r.lastLine))+"\r")
	r.lastLine = ""
}
