// Package runner drives the check loop: one pass over the targets, or
// repeated passes separated by Period when Infinite is set.
package runner

import (
	"context"
	"iter"
	"time"

	"github.com/gustycube/avasite/internal/health"
	"github.com/gustycube/avasite/internal/logging"
	"github.com/gustycube/avasite/internal/metrics"
	"github.com/gustycube/avasite/internal/output"
	"github.com/gustycube/avasite/internal/types"
)

const (
	bannerOnce     = "Check results:"
	bannerInfinite = "Check results for new iteration:"
)

// Checker is satisfied by *checker.Checker.
type Checker interface {
	Check(ctx context.Context, t types.Target) iter.Seq[types.CheckResult]
}

// Progress follows an iteration. *ui.Reporter satisfies it.
type Progress interface {
	Begin(total int)
	Observe(r types.CheckResult)
	TargetDone()
	End()
}

type Runner struct {
	Checker  Checker
	Sink     output.Sink
	Infinite bool
	Period   time.Duration
	Log      *logging.Logger
	// Health is marked after every completed iteration when set.
	Health   *health.LoopChecker
	Progress Progress
}

// Run probes targets until the pass ends, or until ctx is cancelled when
// Infinite is set. It returns ctx.Err() if it was interrupted.
func (r *Runner) Run(ctx context.Context, targets []types.Target) error {
	log := r.Log
	if log == nil {
		log = logging.New()
	}
	banner := bannerOnce
	if r.Infinite {
		banner = bannerInfinite
	}

	for iteration := 1; ; iteration++ {
		r.note(banner, log)
		if r.Progress != nil {
			r.Progress.Begin(len(targets))
		}
		written, failed := 0, 0
		for _, t := range targets {
			for res := range r.Checker.Check(ctx, t) {
				if r.Progress != nil {
					r.Progress.Observe(res)
				}
				if err := r.Sink.Write(ctx, res); err != nil {
					failed++
					metrics.SinkErrors.WithLabelValues("output").Inc()
					log.Warnw("result not written", "host", res.Host, "ip", res.IP, "port", res.Port, "err", err)
					continue
				}
				written++
			}
			if err := ctx.Err(); err != nil {
				if r.Progress != nil {
					r.Progress.End()
				}
				return err
			}
			if r.Progress != nil {
				r.Progress.TargetDone()
			}
		}
		if r.Progress != nil {
			r.Progress.End()
		}
		metrics.Iterations.Inc()
		if r.Health != nil {
			r.Health.MarkIteration()
		}
		log.Debugw("iteration done", "iteration", iteration, "targets", len(targets), "results", written, "write_errors", failed)

		if !r.Infinite {
			return nil
		}
		if err := sleep(ctx, r.Period); err != nil {
			return err
		}
	}
}

func (r *Runner) note(msg string, log *logging.Logger) {
	n, ok := r.Sink.(output.Noter)
	if !ok {
		return
	}
	if err := n.Note(msg); err != nil {
		log.Warnw("banner not written", "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
