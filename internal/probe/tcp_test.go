package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

// listen starts a loopback listener and runs handle for every accepted connection.
func listen(t *testing.T, handle func(net.Conn)) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

// closedPort returns a loopback port with no listener behind it.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return port
}

func TestTCPProbe_Open(t *testing.T) {
	addr, port := listen(t, func(c net.Conn) { c.Close() })

	out := NewTCPProbe(2*time.Second).Probe(context.Background(), addr, port)
	if !out.Open {
		t.Fatalf("expected open, got %+v", out)
	}
	if out.RTTMs < 0 {
		t.Errorf("rtt should be >= 0, got %f", out.RTTMs)
	}
}

func TestTCPProbe_Refused(t *testing.T) {
	out := NewTCPProbe(2*time.Second).Probe(context.Background(), "127.0.0.1", closedPort(t))
	if out.Open || out.RTTMs != 0 {
		t.Fatalf("expected closed with zero rtt, got %+v", out)
	}
}

func TestTCPProbe_UnroutableTimesOut(t *testing.T) {
	timeout := 300 * time.Millisecond
	start := time.Now()
	out := NewTCPProbe(timeout).Probe(context.Background(), "198.51.100.7", 80)
	elapsed := time.Since(start)

	if out.Open || out.RTTMs != 0 {
		t.Fatalf("expected closed with zero rtt, got %+v", out)
	}
	if elapsed > timeout+2*time.Second {
		t.Errorf("probe blocked past its timeout: %v", elapsed)
	}
}

func TestHTTPProbe_Responds(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer s.Close()
	u, _ := url.Parse(s.URL)
	port, _ := strconv.Atoi(u.Port())

	out := NewHTTPProbe(2*time.Second).Probe(context.Background(), u.Hostname(), uint16(port))
	if !out.Open {
		t.Fatalf("expected open, got %+v", out)
	}
}

func TestHTTPProbe_SilentPeerIsClosed(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	addr, port := listen(t, func(c net.Conn) {
		defer c.Close()
		<-hold
	})

	if out := NewTCPProbe(time.Second).Probe(context.Background(), addr, port); !out.Open {
		t.Fatalf("tcp probe should see the port open, got %+v", out)
	}
	out := NewHTTPProbe(200*time.Millisecond).Probe(context.Background(), addr, port)
	if out.Open || out.RTTMs != 0 {
		t.Fatalf("silent peer must be closed for the http probe, got %+v", out)
	}
}

func TestHTTPProbe_SendsRequestLine(t *testing.T) {
	got := make(chan string, 1)
	addr, port := listen(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, len(httpProbeRequest))
		n, _ := c.Read(buf)
		got <- string(buf[:n])
		c.Write([]byte("H"))
	})

	out := NewHTTPProbe(time.Second).Probe(context.Background(), addr, port)
	if !out.Open {
		t.Fatalf("expected open, got %+v", out)
	}
	if req := <-got; req != httpProbeRequest {
		t.Errorf("server received %q, want %q", req, httpProbeRequest)
	}
}

func TestNewPortProbe(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{"tcp", false},
		{"HTTP", false},
		{"udp", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			p, err := NewPortProbe(tt.kind, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPortProbe(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
			if !tt.wantErr && p == nil {
				t.Fatal("expected a probe")
			}
		})
	}
}
