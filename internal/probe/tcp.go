package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gustycube/avasite/internal/metrics"
)

// TCPProbe reports whether a TCP handshake with addr:port completes in time.
type TCPProbe struct {
	timeout time.Duration
}

func NewTCPProbe(timeout time.Duration) *TCPProbe {
	return &TCPProbe{timeout: orDefault(timeout)}
}

// Probe measures connection-establishment latency only.
func (p *TCPProbe) Probe(ctx context.Context, addr string, port uint16) Outcome {
	d := net.Dialer{Timeout: p.timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort(addr, strconv.Itoa(int(port))))
	rtt := time.Since(start)
	if err != nil {
		metrics.ObserveProbe(KindTCP, false, 0)
		return Outcome{}
	}
	_ = conn.Close()

	out := Outcome{Open: true, RTTMs: millis(rtt)}
	metrics.ObserveProbe(KindTCP, true, out.RTTMs)
	return out
}
