// Package tlsinfo classifies the certificate a host presents on port 443.
package tlsinfo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gustycube/avasite/internal/metrics"
	"github.com/gustycube/avasite/internal/types"
)

const (
	HTTPSPort      = 443
	DefaultTimeout = 15 * time.Second

	kind = "tls"

	reasonInvalid     = "invalid cert"
	reasonUnreachable = "unable to connect to server"
)

// NewConfig builds the client config used for verification. Without caFile the
// system roots are used.
func NewConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

type CertProbe struct {
	config  *tls.Config
	timeout time.Duration
}

// NewCertProbe returns a probe verifying against cfg. A nil cfg means system roots.
func NewCertProbe(cfg *tls.Config, timeout time.Duration) *CertProbe {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CertProbe{config: cfg, timeout: timeout}
}

// Probe performs a full handshake with host:443, SNI set to host. Any port
// other than 443 is not applicable and causes no network traffic.
func (p *CertProbe) Probe(ctx context.Context, host string, port uint16) types.CertVerdict {
	if port != HTTPSPort {
		return types.NotApplicable()
	}
	return p.handshake(ctx, host, net.JoinHostPort(host, strconv.Itoa(HTTPSPort)))
}

func (p *CertProbe) handshake(ctx context.Context, host, addr string) types.CertVerdict {
	cfg := p.config.Clone()
	cfg.ServerName = host

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: p.timeout}, Config: cfg}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.ObserveProbe(kind, false, 0)
		return classify(err)
	}
	_ = conn.Close()
	metrics.ObserveProbe(kind, true, float64(time.Since(start))/float64(time.Millisecond))
	return types.Valid()
}

func classify(err error) types.CertVerdict {
	var verr *tls.CertificateVerificationError
	if errors.As(err, &verr) {
		if verr.Err != nil && verr.Err.Error() != "" {
			return types.Invalid(verr.Err.Error())
		}
		return types.Invalid(reasonInvalid)
	}

	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return types.Invalid(reasonInvalid)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.Invalid(reasonUnreachable)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return types.Invalid(reasonUnreachable)
	}
	return types.Invalid(reasonInvalid)
}
