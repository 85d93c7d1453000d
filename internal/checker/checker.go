// Package checker turns a Target into a lazy stream of CheckResults.
//
// A Check call resolves the host, then probes every resolved address: one
// ICMP echo series per address when the target has no ports, otherwise one
// port probe per (address, port) pair. A target whose host does not resolve
// still yields one result per requested port so it shows up in the output.
package checker

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/gustycube/avasite/internal/logging"
	"github.com/gustycube/avasite/internal/metrics"
	"github.com/gustycube/avasite/internal/probe"
	"github.com/gustycube/avasite/internal/telemetry"
	"github.com/gustycube/avasite/internal/tlsinfo"
	"github.com/gustycube/avasite/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Resolver interface {
	Resolve(ctx context.Context, host string) []string
}

type CertProber interface {
	Probe(ctx context.Context, host string, port uint16) types.CertVerdict
}

type Pinger interface {
	Probe(ctx context.Context, addr string) probe.Liveness
}

// Limiter paces probes per address. *rate.PerAddr satisfies it.
type Limiter interface {
	Wait(ctx context.Context, addr string) error
}

type Checker struct {
	resolver Resolver
	ports    probe.PortProbe
	certs    CertProber
	pinger   Pinger
	limiter  Limiter
	workers  int
	log      *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Checker)

// WithWorkers probes up to n pairs of one target at a time. n <= 1 keeps the
// sequential order: addresses as resolved, ports as requested.
func WithWorkers(n int) Option {
	return func(c *Checker) { c.workers = n }
}

func WithLimiter(l Limiter) Option {
	return func(c *Checker) { c.limiter = l }
}

func WithLogger(log *logging.Logger) Option {
	return func(c *Checker) {
		if log != nil {
			c.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func New(resolver Resolver, ports probe.PortProbe, certs CertProber, pinger Pinger, opts ...Option) *Checker {
	c := &Checker{
		resolver: resolver,
		ports:    ports,
		certs:    certs,
		pinger:   pinger,
		workers:  1,
		log:      logging.New(),
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// task produces one result. ok is false when ctx ended before the probe ran.
type task func(ctx context.Context) (res types.CheckResult, ok bool)

// Check returns the results for t. Nothing is probed until the sequence is
// ranged over, and each result is yielded as soon as its probe finishes.
// Stopping the range early skips the remaining probes.
func (c *Checker) Check(ctx context.Context, t types.Target) iter.Seq[types.CheckResult] {
	return func(yield func(types.CheckResult) bool) {
		ctx, span := c.tracer.Start(ctx, "check.target",
			trace.WithAttributes(attribute.String("host", t.Host), attribute.Int("ports", len(t.Ports))))
		defer span.End()

		addrs := c.resolver.Resolve(ctx, t.Host)
		span.SetAttributes(attribute.Int("addresses", len(addrs)))
		if len(addrs) == 0 {
			c.log.Debugw("host not resolved", "host", t.Host)
			for _, r := range c.unresolved(t) {
				if !c.emit(r, yield) {
					return
				}
			}
			return
		}

		tasks := c.plan(ctx, t, addrs)
		if c.workers > 1 && len(tasks) > 1 {
			c.runPool(ctx, tasks, yield)
			return
		}
		for _, run := range tasks {
			r, ok := run(ctx)
			if !ok || !c.emit(r, yield) {
				return
			}
		}
	}
}

func (c *Checker) unresolved(t types.Target) []types.CheckResult {
	if len(t.Ports) == 0 {
		return []types.CheckResult{{Timestamp: c.now(), Host: t.Host, Status: types.StatusClosed}}
	}
	out := make([]types.CheckResult, 0, len(t.Ports))
	for _, p := range t.Ports {
		out = append(out, types.CheckResult{Timestamp: c.now(), Host: t.Host, Port: p, Status: types.StatusClosed})
	}
	return out
}

// plan lays out the probes for a resolved target. The certificate verdict is
// shared by every pair of the target, so it is computed once, lazily, by
// whichever pair needs it first.
func (c *Checker) plan(ctx context.Context, t types.Target, addrs []string) []task {
	if len(t.Ports) == 0 {
		tasks := make([]task, 0, len(addrs))
		for _, addr := range addrs {
			tasks = append(tasks, c.pingTask(t.Host, addr))
		}
		return tasks
	}

	cert := sync.OnceValue(func() types.CertVerdict {
		if !t.HasPort(tlsinfo.HTTPSPort) {
			return types.NotApplicable()
		}
		v := c.certs.Probe(ctx, t.Host, tlsinfo.HTTPSPort)
		c.log.Debugw("certificate checked", "host", t.Host, "verdict", v.String())
		return v
	})
	tasks := make([]task, 0, len(addrs)*len(t.Ports))
	for _, addr := range addrs {
		for _, port := range t.Ports {
			tasks = append(tasks, c.portTask(t.Host, addr, port, cert))
		}
	}
	return tasks
}

func (c *Checker) pingTask(host, addr string) task {
	return func(ctx context.Context) (types.CheckResult, bool) {
		if err := c.wait(ctx, addr); err != nil {
			return types.CheckResult{}, false
		}
		live := c.pinger.Probe(ctx, addr)
		r := types.CheckResult{Timestamp: c.now(), Host: host, IP: addr, Status: types.StatusClosed}
		if live.Alive {
			r.Status = types.StatusUnknown
			r.RTTMs = live.AvgRTTMs
		}
		return r, true
	}
}

func (c *Checker) portTask(host, addr string, port uint16, cert func() types.CertVerdict) task {
	return func(ctx context.Context) (types.CheckResult, bool) {
		if err := c.wait(ctx, addr); err != nil {
			return types.CheckResult{}, false
		}
		verdict := cert()
		out := c.ports.Probe(ctx, addr, port)
		r := types.CheckResult{
			Timestamp: c.now(),
			Host:      host,
			IP:        addr,
			Port:      port,
			Status:    types.StatusClosed,
			Cert:      &verdict,
		}
		if out.Open {
			r.Status = types.StatusOpen
			r.RTTMs = out.RTTMs
		}
		return r, true
	}
}

func (c *Checker) wait(ctx context.Context, addr string) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx, addr)
}

func (c *Checker) emit(r types.CheckResult, yield func(types.CheckResult) bool) bool {
	label := r.Status.String()
	if !r.Resolved() {
		label = "unresolved"
	}
	metrics.ResultsTotal.WithLabelValues(label).Inc()
	return yield(r)
}

// runPool runs tasks on c.workers goroutines and yields results in completion
// order. Breaking out of the range cancels the pool and waits for it to drain.
func (c *Checker) runPool(ctx context.Context, tasks []task, yield func(types.CheckResult) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan task)
	results := make(chan types.CheckResult)
	var wg sync.WaitGroup
	for i := 0; i < min(c.workers, len(tasks)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for run := range jobs {
				r, ok := run(ctx)
				if !ok {
					continue
				}
				select {
				case results <- r:
				case <-ctx.Done():
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, run := range tasks {
			select {
			case jobs <- run:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if !c.emit(r, yield) {
			cancel()
			for range results {
			}
			return
		}
	}
}
