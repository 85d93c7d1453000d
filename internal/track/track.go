// Package track notices when a probed endpoint changes state between iterations.
package track

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gustycube/avasite/internal/logging"
	"github.com/gustycube/avasite/internal/metrics"
	"github.com/gustycube/avasite/internal/types"
)

const (
	DefaultSize = 4096
	DefaultTTL  = 24 * time.Hour
)

// Change describes one transition of an endpoint.
type Change struct {
	Key  string
	From string
	To   string
}

// Tracker remembers the last state of each (host, ip, port). Entries expire
// after the ttl so endpoints removed from the input are forgotten. It is a
// Sink and only observes results; probing never consults it.
type Tracker struct {
	lru *expirable.LRU[string, string]
	log *logging.Logger
}

func New(size int, ttl time.Duration, log *logging.Logger) *Tracker {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logging.New()
	}
	return &Tracker{
		lru: expirable.NewLRU[string, string](size, nil, ttl),
		log: log,
	}
}

// Key identifies the endpoint r was produced for.
func Key(r types.CheckResult) string {
	return r.Host + "|" + r.IP + "|" + strconv.Itoa(int(r.Port))
}

func state(r types.CheckResult) string {
	if !r.Resolved() {
		return "unresolved"
	}
	return r.Status.String()
}

// Observe records r and reports whether it differs from the previous state.
// The first sighting of an endpoint is not a change.
func (t *Tracker) Observe(r types.CheckResult) (Change, bool) {
	key, now := Key(r), state(r)
	prev, seen := t.lru.Get(key)
	t.lru.Add(key, now)
	if !seen || prev == now {
		return Change{}, false
	}
	return Change{Key: key, From: prev, To: now}, true
}

func (t *Tracker) Write(_ context.Context, r types.CheckResult) error {
	if c, ok := t.Observe(r); ok {
		metrics.StatusChanges.Inc()
		t.log.Warnw("status changed", "host", r.Host, "ip", r.IP, "port", r.Port, "from", c.From, "to", c.To)
	}
	return nil
}

func (t *Tracker) Len() int { return t.lru.Len() }

func (t *Tracker) Close() error {
	t.lru.Purge()
	return nil
}
