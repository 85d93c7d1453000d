package runner

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/gustycube/avasite/internal/health"
	"github.com/gustycube/avasite/internal/types"
)

type fakeChecker struct {
	mu    sync.Mutex
	calls int
	// after cancels the run once this many targets were checked
	after  int
	cancel context.CancelFunc
}

func (f *fakeChecker) Check(ctx context.Context, t types.Target) iter.Seq[types.CheckResult] {
	return func(yield func(types.CheckResult) bool) {
		f.mu.Lock()
		f.calls++
		if f.after > 0 && f.calls >= f.after && f.cancel != nil {
			f.cancel()
		}
		f.mu.Unlock()
		for _, p := range t.Ports {
			if !yield(types.CheckResult{Host: t.Host, IP: "192.0.2.1", Port: p, Status: types.StatusOpen}) {
				return
			}
		}
	}
}

type recordingSink struct {
	mu      sync.Mutex
	notes   []string
	results []types.CheckResult
	failOn  uint16
}

func (s *recordingSink) Write(_ context.Context, r types.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != 0 && r.Port == s.failOn {
		return errors.New("disk full")
	}
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) Note(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, msg)
	return nil
}

func (s *recordingSink) Close() error { return nil }

var targets = []types.Target{
	{Host: "a.example", Ports: []uint16{80, 443}},
	{Host: "b.example", Ports: []uint16{22}},
}

func TestRun_SinglePass(t *testing.T) {
	sink := &recordingSink{}
	loop := health.NewLoopChecker(0)
	r := &Runner{Checker: &fakeChecker{}, Sink: sink, Health: loop}

	if err := r.Run(context.Background(), targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.notes) != 1 || sink.notes[0] != "Check results:" {
		t.Errorf("unexpected banners %q", sink.notes)
	}
	if len(sink.results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(sink.results))
	}
	want := []uint16{80, 443, 22}
	for i, res := range sink.results {
		if res.Port != want[i] {
			t.Errorf("result %d: port %d, want %d", i, res.Port, want[i])
		}
	}
	if loop.Iterations() != 1 {
		t.Errorf("expected one iteration marked, got %d", loop.Iterations())
	}
}

func TestRun_SinkErrorDoesNotStopProbing(t *testing.T) {
	sink := &recordingSink{failOn: 80}
	r := &Runner{Checker: &fakeChecker{}, Sink: sink}

	if err := r.Run(context.Background(), targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.results) != 2 {
		t.Fatalf("expected the two other results, got %d", len(sink.results))
	}
}

func TestRun_InfiniteUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// two targets per pass: cancel during the third pass
	chk := &fakeChecker{after: 5, cancel: cancel}
	sink := &recordingSink{}
	loop := health.NewLoopChecker(0)
	r := &Runner{Checker: chk, Sink: sink, Infinite: true, Period: time.Millisecond, Health: loop}

	err := r.Run(ctx, targets)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if loop.Iterations() != 2 {
		t.Errorf("expected 2 completed iterations, got %d", loop.Iterations())
	}
	if len(sink.notes) != 3 {
		t.Fatalf("expected a banner per started pass, got %d", len(sink.notes))
	}
	for _, n := range sink.notes {
		if n != "Check results for new iteration:" {
			t.Errorf("unexpected banner %q", n)
		}
	}
}

func TestRun_SleepInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{Checker: &fakeChecker{}, Sink: &recordingSink{}, Infinite: true, Period: time.Hour}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, targets) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_NoTargets(t *testing.T) {
	sink := &recordingSink{}
	r := &Runner{Checker: &fakeChecker{}, Sink: sink}
	if err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.notes) != 1 || len(sink.results) != 0 {
		t.Errorf("expected banner only, got %v / %v", sink.notes, sink.results)
	}
}

type countingProgress struct {
	begins, observed, done, ends int
}

func (p *countingProgress) Begin(int)                 { p.begins++ }
func (p *countingProgress) Observe(types.CheckResult) { p.observed++ }
func (p *countingProgress) TargetDone()               { p.done++ }
func (p *countingProgress) End()                      { p.ends++ }

func TestRun_ReportsProgress(t *testing.T) {
	prog := &countingProgress{}
	r := &Runner{Checker: &fakeChecker{}, Sink: &recordingSink{}, Progress: prog}
	if err := r.Run(context.Background(), targets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prog.begins != 1 || prog.observed != 3 || prog.done != 2 || prog.ends != 1 {
		t.Errorf("unexpected progress calls %+v", *prog)
	}
}
