package checker

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gustycube/avasite/internal/probe"
	"github.com/gustycube/avasite/internal/types"
	"go.uber.org/zap"
)

type fakeResolver map[string][]string

func (f fakeResolver) Resolve(ctx context.Context, host string) []string { return f[host] }

// fakePorts treats every "addr:port" in open as reachable with a fixed rtt.
type fakePorts struct {
	mu    sync.Mutex
	open  map[string]bool
	calls []string
	delay time.Duration
}

func (f *fakePorts) Probe(ctx context.Context, addr string, port uint16) probe.Outcome {
	key := addr + ":" + itoa(port)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.open[key] {
		return probe.Outcome{Open: true, RTTMs: 1.5}
	}
	return probe.Outcome{}
}

func (f *fakePorts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func itoa(p uint16) string { return strconv.Itoa(int(p)) }

type fakeCerts struct {
	verdict types.CertVerdict
	calls   atomic.Int32
	ports   []uint16
	mu      sync.Mutex
}

func (f *fakeCerts) Probe(ctx context.Context, host string, port uint16) types.CertVerdict {
	f.calls.Add(1)
	f.mu.Lock()
	f.ports = append(f.ports, port)
	f.mu.Unlock()
	return f.verdict
}

type fakePinger map[string]probe.Liveness

func (f fakePinger) Probe(ctx context.Context, addr string) probe.Liveness { return f[addr] }

var fixed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newChecker(r Resolver, p probe.PortProbe, c CertProber, pg Pinger, opts ...Option) *Checker {
	opts = append([]Option{WithLogger(zap.NewNop().Sugar()), WithClock(func() time.Time { return fixed })}, opts...)
	return New(r, p, c, pg, opts...)
}

func collect(c *Checker, t types.Target) []types.CheckResult {
	var out []types.CheckResult
	for r := range c.Check(context.Background(), t) {
		out = append(out, r)
	}
	return out
}

func TestCheck_OneResultPerAddressAndPort(t *testing.T) {
	res := fakeResolver{"multi.example": {"192.0.2.1", "192.0.2.2"}}
	ports := &fakePorts{open: map[string]bool{"192.0.2.1:80": true}}
	certs := &fakeCerts{verdict: types.Valid()}
	c := newChecker(res, ports, certs, fakePinger{})

	got := collect(c, types.Target{Host: "multi.example", Ports: []uint16{22, 80, 8080}})
	if len(got) != 6 {
		t.Fatalf("expected 2x3 results, got %d", len(got))
	}
	wantOrder := []string{"192.0.2.1:22", "192.0.2.1:80", "192.0.2.1:8080", "192.0.2.2:22", "192.0.2.2:80", "192.0.2.2:8080"}
	if !slices.Equal(ports.calls, wantOrder) {
		t.Errorf("probe order = %v, want %v", ports.calls, wantOrder)
	}
	for _, r := range got {
		if r.Host != "multi.example" || !r.Resolved() || !r.HasPort() {
			t.Errorf("malformed result %+v", r)
		}
		if !r.Timestamp.Equal(fixed) {
			t.Errorf("timestamp = %v", r.Timestamp)
		}
		wantOpen := r.IP == "192.0.2.1" && r.Port == 80
		if wantOpen {
			if r.Status != types.StatusOpen || r.RTTMs != 1.5 {
				t.Errorf("expected open with rtt, got %+v", r)
			}
		} else if r.Status != types.StatusClosed || r.RTTMs != 0 {
			t.Errorf("expected closed with zero rtt, got %+v", r)
		}
		if r.Cert == nil || *r.Cert != types.NotApplicable() {
			t.Errorf("without 443 the cert is not applicable, got %v", r.Cert)
		}
	}
	if certs.calls.Load() != 0 {
		t.Errorf("certificate probe ran %d times without port 443", certs.calls.Load())
	}
}

func TestCheck_CertProbedOncePerTarget(t *testing.T) {
	res := fakeResolver{"example.com": {"192.0.2.1", "192.0.2.2"}}
	certs := &fakeCerts{verdict: types.Invalid("certificate has expired")}
	c := newChecker(res, &fakePorts{}, certs, fakePinger{})

	got := collect(c, types.Target{Host: "example.com", Ports: []uint16{80, 443}})
	if len(got) != 4 {
		t.Fatalf("expected 4 results, got %d", len(got))
	}
	if n := certs.calls.Load(); n != 1 {
		t.Fatalf("certificate probe ran %d times, want 1", n)
	}
	if !slices.Equal(certs.ports, []uint16{443}) {
		t.Errorf("certificate probe ports = %v", certs.ports)
	}
	for _, r := range got {
		if r.Cert == nil || *r.Cert != types.Invalid("certificate has expired") {
			t.Errorf("every result carries the target verdict, got %v", r.Cert)
		}
	}
	// results must not share the verdict
	got[0].Cert.Reason = "changed"
	if got[1].Cert.Reason == "changed" {
		t.Error("results share a cert pointer")
	}
}

func TestCheck_UnresolvedYieldsOnePerPort(t *testing.T) {
	ports := &fakePorts{}
	certs := &fakeCerts{}
	c := newChecker(fakeResolver{}, ports, certs, fakePinger{})

	got := collect(c, types.Target{Host: "nonexistent.invalid", Ports: []uint16{22, 80}})
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	for i, want := range []uint16{22, 80} {
		r := got[i]
		if r.Resolved() || r.Port != want || r.Status != types.StatusClosed || r.RTTMs != 0 || r.Cert != nil {
			t.Errorf("result %d = %+v", i, r)
		}
		if r.Host != "nonexistent.invalid" {
			t.Errorf("host = %q", r.Host)
		}
	}
	if ports.count() != 0 || certs.calls.Load() != 0 {
		t.Error("nothing should be probed for an unresolved host")
	}
}

func TestCheck_UnresolvedWithoutPorts(t *testing.T) {
	c := newChecker(fakeResolver{}, &fakePorts{}, &fakeCerts{}, fakePinger{})

	got := collect(c, types.Target{Host: "nonexistent.invalid"})
	if len(got) != 1 {
		t.Fatalf("expected one synthetic result, got %d", len(got))
	}
	r := got[0]
	if r.Resolved() || r.HasPort() || r.Status != types.StatusClosed || r.Cert != nil {
		t.Errorf("unexpected synthetic result %+v", r)
	}
}

func TestCheck_ICMPMode(t *testing.T) {
	res := fakeResolver{"ping.example": {"192.0.2.1", "192.0.2.2"}}
	pinger := fakePinger{"192.0.2.1": {Alive: true, AvgRTTMs: 12.25, Sent: 3, Received: 3}}
	ports := &fakePorts{}
	certs := &fakeCerts{}
	c := newChecker(res, ports, certs, pinger)

	got := collect(c, types.Target{Host: "ping.example"})
	if len(got) != 2 {
		t.Fatalf("expected one result per address, got %d", len(got))
	}
	if got[0].Status != types.StatusUnknown || got[0].RTTMs != 12.25 || got[0].HasPort() || got[0].Cert != nil {
		t.Errorf("alive address: %+v", got[0])
	}
	if got[1].Status != types.StatusClosed || got[1].RTTMs != 0 {
		t.Errorf("dead address: %+v", got[1])
	}
	if ports.count() != 0 || certs.calls.Load() != 0 {
		t.Error("ICMP mode must not probe ports or certificates")
	}
}

func TestCheck_UnreachableAddressIsClosed(t *testing.T) {
	res := fakeResolver{"198.51.100.7": {"198.51.100.7"}}
	c := newChecker(res, &fakePorts{}, &fakeCerts{}, fakePinger{})

	got := collect(c, types.Target{Host: "198.51.100.7", Ports: []uint16{80}})
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	r := got[0]
	if r.IP != "198.51.100.7" || r.Port != 80 || r.Status != types.StatusClosed || r.RTTMs != 0 {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Cert == nil || r.Cert.Kind != types.CertNotApplicable {
		t.Errorf("cert = %v", r.Cert)
	}
}

func TestCheck_IsLazy(t *testing.T) {
	res := fakeResolver{"example.com": {"192.0.2.1"}}
	ports := &fakePorts{}
	c := newChecker(res, ports, &fakeCerts{}, fakePinger{})

	seq := c.Check(context.Background(), types.Target{Host: "example.com", Ports: []uint16{1, 2, 3, 4}})
	if ports.count() != 0 {
		t.Fatal("probes ran before the sequence was consumed")
	}
	for range seq {
		break
	}
	if n := ports.count(); n != 1 {
		t.Fatalf("breaking after the first result should stop probing, %d probes ran", n)
	}
}

func TestCheck_FreshOnEveryCall(t *testing.T) {
	res := fakeResolver{"example.com": {"192.0.2.1"}}
	ports := &fakePorts{}
	certs := &fakeCerts{verdict: types.Valid()}
	c := newChecker(res, ports, certs, fakePinger{})
	target := types.Target{Host: "example.com", Ports: []uint16{443}}

	collect(c, target)
	collect(c, target)
	if ports.count() != 2 || certs.calls.Load() != 2 {
		t.Errorf("expected re-probing on each call, got %d port and %d cert probes", ports.count(), certs.calls.Load())
	}
}

func TestCheck_WorkerPool(t *testing.T) {
	res := fakeResolver{"multi.example": {"192.0.2.1", "192.0.2.2", "192.0.2.3"}}
	ports := &fakePorts{open: map[string]bool{"192.0.2.2:443": true}, delay: 20 * time.Millisecond}
	certs := &fakeCerts{verdict: types.Valid()}
	c := newChecker(res, ports, certs, fakePinger{}, WithWorkers(4))

	start := time.Now()
	got := collect(c, types.Target{Host: "multi.example", Ports: []uint16{80, 443, 8080, 9090}})
	elapsed := time.Since(start)

	if len(got) != 12 {
		t.Fatalf("expected 12 results, got %d", len(got))
	}
	if elapsed > 12*20*time.Millisecond {
		t.Errorf("pool did not run in parallel: %v", elapsed)
	}
	if certs.calls.Load() != 1 {
		t.Errorf("certificate probe ran %d times, want 1", certs.calls.Load())
	}
	var keys []string
	for _, r := range got {
		keys = append(keys, r.IP+":"+itoa(r.Port))
		if (r.IP == "192.0.2.2" && r.Port == 443) != (r.Status == types.StatusOpen) {
			t.Errorf("wrong status for %s:%d: %v", r.IP, r.Port, r.Status)
		}
	}
	sort.Strings(keys)
	if keys = slices.Compact(keys); len(keys) != 12 {
		t.Errorf("duplicate pairs in %v", keys)
	}
}

func TestCheck_WorkerPoolEarlyBreak(t *testing.T) {
	res := fakeResolver{"multi.example": {"192.0.2.1", "192.0.2.2"}}
	ports := &fakePorts{delay: 5 * time.Millisecond}
	c := newChecker(res, ports, &fakeCerts{}, fakePinger{}, WithWorkers(2))

	n := 0
	for range c.Check(context.Background(), types.Target{Host: "multi.example", Ports: []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}) {
		n++
		if n == 2 {
			break
		}
	}
	if probes := ports.count(); probes >= 20 {
		t.Errorf("pool kept probing after the consumer stopped: %d probes", probes)
	}
}

type denyLimiter struct{}

func (denyLimiter) Wait(ctx context.Context, addr string) error { return errors.New("limited") }

func TestCheck_LimiterStopsSequence(t *testing.T) {
	res := fakeResolver{"example.com": {"192.0.2.1"}}
	ports := &fakePorts{}
	c := newChecker(res, ports, &fakeCerts{}, fakePinger{}, WithLimiter(denyLimiter{}))

	if got := collect(c, types.Target{Host: "example.com", Ports: []uint16{80}}); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
	if ports.count() != 0 {
		t.Error("probe ran despite the limiter refusing")
	}
}

func TestCheck_CancelledContext(t *testing.T) {
	res := fakeResolver{"example.com": {"192.0.2.1"}}
	ports := &fakePorts{}
	c := newChecker(res, ports, &fakeCerts{}, fakePinger{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	for range c.Check(ctx, types.Target{Host: "example.com", Ports: []uint16{80, 443}}) {
		n++
	}
	if n != 0 || ports.count() != 0 {
		t.Errorf("cancelled check produced %d results and %d probes", n, ports.count())
	}
}
