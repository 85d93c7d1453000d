// Package probe holds the bounded network probes used by the checker: a TCP
// connect probe, an HTTP first-byte probe and an ICMP echo probe.
//
// Probes never return errors. Every failure (timeout, refusal, socket error)
// collapses into a zero Outcome or Liveness, and the cause is discarded.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds every socket-based probe.
const DefaultTimeout = 15 * time.Second

// Outcome is the result of a port probe. RTTMs is zero unless Open.
type Outcome struct {
	Open  bool
	RTTMs float64
}

// PortProbe checks one port on one address.
type PortProbe interface {
	Probe(ctx context.Context, addr string, port uint16) Outcome
}

const (
	KindTCP  = "tcp"
	KindHTTP = "http"
)

// NewPortProbe returns the port probe for kind ("tcp" or "http").
func NewPortProbe(kind string, timeout time.Duration) (PortProbe, error) {
	switch strings.ToLower(kind) {
	case "", KindTCP:
		return NewTCPProbe(timeout), nil
	case KindHTTP:
		return NewHTTPProbe(timeout), nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q (use tcp or http)", kind)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
