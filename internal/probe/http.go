package probe

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gustycube/avasite/internal/metrics"
)

// Most servers accept a connection silently and only answer once they see a request.
const httpProbeRequest = "GET / HTTP/1.0\r\n\r\n"

// HTTPProbe connects, sends a bare HTTP/1.0 request line and waits for the
// first response byte. A peer that accepts but never answers is not open.
type HTTPProbe struct {
	timeout time.Duration
}

func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{timeout: orDefault(timeout)}
}

// Probe measures the time from sending the request to the first byte received.
func (p *HTTPProbe) Probe(ctx context.Context, addr string, port uint16) Outcome {
	out, ok := p.exchange(ctx, net.JoinHostPort(addr, strconv.Itoa(int(port))))
	metrics.ObserveProbe(KindHTTP, ok, out.RTTMs)
	return out
}

func (p *HTTPProbe) exchange(ctx context.Context, target string) (Outcome, bool) {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp4", target)
	if err != nil {
		return Outcome{}, false
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Outcome{}, false
	}

	start := time.Now()
	if _, err := io.WriteString(conn, httpProbeRequest); err != nil {
		return Outcome{}, false
	}
	var first [1]byte
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		return Outcome{}, false
	}
	return Outcome{Open: true, RTTMs: millis(time.Since(start))}, true
}
