package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/avasite/internal/types"
)

// ProgressBar represents a simple progress bar
type ProgressBar struct {
	mu          sync.RWMutex
	total       int64
	current     int64
	width       int
	startTime   time.Time
	lastUpdate  time.Time
	description string
	finished    bool
	now         func() time.Time
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total int64, description string) *ProgressBar {
	return newProgressBar(total, description, time.Now)
}

func newProgressBar(total int64, description string, now func() time.Time) *ProgressBar {
	return &ProgressBar{
		total:       total,
		width:       30,
		startTime:   now(),
		lastUpdate:  now(),
		description: description,
		now:         now,
	}
}

// Add increments the progress
func (pb *ProgressBar) Add(n int64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current = min(pb.current+n, pb.total)
	pb.lastUpdate = pb.now()
}

// Finish marks the progress as complete
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current = pb.total
	pb.finished = true
	pb.lastUpdate = pb.now()
}

// String returns the progress bar as a string
func (pb *ProgressBar) String() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	percent := 100.0
	if pb.total > 0 {
		percent = float64(pb.current) / float64(pb.total) * 100
	}
	filled := int(float64(pb.width) * percent / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", pb.width-filled)

	result := fmt.Sprintf("%s [%s] %d/%d (%.1f%%)", pb.description, bar, pb.current, pb.total, percent)

	elapsed := pb.lastUpdate.Sub(pb.startTime)
	if pb.finished {
		return result + fmt.Sprintf(" [DONE in %v]", elapsed.Round(time.Millisecond))
	}
	if pb.current > 0 && elapsed > 0 {
		perTarget := elapsed / time.Duration(pb.current)
		eta := perTarget * time.Duration(pb.total-pb.current)
		result += fmt.Sprintf(" ETA: %v", eta.Round(time.Second))
	}
	return result
}

// Stats counts the results of one iteration.
type Stats struct {
	mu         sync.RWMutex
	targets    int64
	open       int64
	closed     int64
	pingable   int64
	unresolved int64
	startTime  time.Time
	now        func() time.Time
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now(), now: time.Now}
}

// Observe counts one result.
func (s *Stats) Observe(r types.CheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !r.Resolved():
		s.unresolved++
	case r.Status == types.StatusOpen:
		s.open++
	case r.Status == types.StatusUnknown:
		s.pingable++
	default:
		s.closed++
	}
}

func (s *Stats) TargetDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets++
}

// Summary returns a final summary
func (s *Stats) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elapsed := s.now().Sub(s.startTime)
	return fmt.Sprintf("%d targets checked in %v: %d open, %d closed, %d pingable, %d unresolved",
		s.targets, elapsed.Round(time.Millisecond), s.open, s.closed, s.pingable, s.unresolved)
}
