package dns

import (
	"context"
	"net"
	"sort"
	"time"
)

// Resolver is the lookup surface used by HostResolver; *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

const DefaultTimeout = 15 * time.Second

// HostResolver turns a hostname or IPv4 literal into its unique IPv4 addresses.
type HostResolver struct {
	r       Resolver
	timeout time.Duration
}

func NewHostResolver(r Resolver, timeout time.Duration) *HostResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HostResolver{r: r, timeout: timeout}
}

// Resolve returns the sorted, deduplicated IPv4 addresses of host. A failed
// lookup yields an empty slice: an unresolvable name is data, not an error.
func (h *HostResolver) Resolve(ctx context.Context, host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return []string{v4.String()}
		}
		return []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	iplist, err := h.r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return []string{}
	}

	seen := make(map[string]struct{}, len(iplist))
	ips := make([]string, 0, len(iplist))
	for _, ip := range iplist {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		s := v4.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		ips = append(ips, s)
	}
	sort.Strings(ips)
	return ips
}
