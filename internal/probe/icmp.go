package probe

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/gustycube/avasite/internal/metrics"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const KindICMP = "icmp"

// Defaults follow the usual ping tooling: three echoes, 2s each, 1s apart.
const (
	DefaultEchoCount    = 3
	DefaultEchoTimeout  = 2 * time.Second
	DefaultEchoInterval = time.Second
)

var echoPayload = []byte("avasite-echo")

// Liveness is the result of an ICMP probe. AvgRTTMs averages the replies received.
type Liveness struct {
	Alive    bool
	AvgRTTMs float64
	Sent     int
	Received int
}

// packetConn is the subset of *icmp.PacketConn the probe needs.
type packetConn interface {
	WriteTo(b []byte, dst net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// ICMPProbe sends echo requests to an address. Privileged uses a raw socket
// (ip4:icmp); otherwise the unprivileged datagram socket (udp4) is used, which
// on Linux needs net.ipv4.ping_group_range to include the process group.
type ICMPProbe struct {
	Count      int
	Timeout    time.Duration
	Interval   time.Duration
	Privileged bool

	listen func(network, address string) (packetConn, error)
}

func NewICMPProbe(count int, privileged bool) *ICMPProbe {
	if count <= 0 {
		count = DefaultEchoCount
	}
	return &ICMPProbe{
		Count:      count,
		Timeout:    DefaultEchoTimeout,
		Interval:   DefaultEchoInterval,
		Privileged: privileged,
		listen:     listenICMP,
	}
}

func listenICMP(network, address string) (packetConn, error) {
	c, err := icmp.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Probe reports whether any echo reply came back from addr.
func (p *ICMPProbe) Probe(ctx context.Context, addr string) Liveness {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		metrics.ObserveProbe(KindICMP, false, 0)
		return Liveness{}
	}

	network := "udp4"
	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		network = "ip4:icmp"
		dst = &net.IPAddr{IP: ip}
	}
	conn, err := p.listen(network, "0.0.0.0")
	if err != nil {
		metrics.ObserveProbe(KindICMP, false, 0)
		return Liveness{}
	}
	defer conn.Close()

	var (
		res   Liveness
		total time.Duration
		id    = os.Getpid() & 0xffff
	)
	for seq := 0; seq < p.Count; seq++ {
		if seq > 0 && p.Interval > 0 {
			select {
			case <-ctx.Done():
				return p.finish(res, total)
			case <-time.After(p.Interval):
			}
		}
		res.Sent++
		if rtt, ok := p.echo(conn, dst, ip, id, seq); ok {
			res.Received++
			total += rtt
		}
	}
	return p.finish(res, total)
}

func (p *ICMPProbe) finish(res Liveness, total time.Duration) Liveness {
	if res.Received > 0 {
		res.Alive = true
		res.AvgRTTMs = millis(total) / float64(res.Received)
	}
	metrics.ObserveProbe(KindICMP, res.Alive, res.AvgRTTMs)
	return res
}

// echo sends one request and waits for its matching reply until the per-echo timeout.
func (p *ICMPProbe) echo(conn packetConn, dst net.Addr, ip net.IP, id, seq int) (time.Duration, bool) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: echoPayload},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return 0, false
	}
	if err := conn.SetReadDeadline(time.Now().Add(p.Timeout)); err != nil {
		return 0, false
	}

	start := time.Now()
	if _, err := conn.WriteTo(b, dst); err != nil {
		return 0, false
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		body, ok := reply.Body.(*icmp.Echo)
		if !ok || body.Seq != seq {
			continue
		}
		// The kernel rewrites the identifier on datagram sockets.
		if p.Privileged && body.ID != id {
			continue
		}
		if !fromHost(peer, ip) {
			continue
		}
		return time.Since(start), true
	}
}

func fromHost(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP.Equal(ip)
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
