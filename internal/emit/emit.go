// Package emit ships results in batches to an HTTP ingest endpoint. Batches
// that cannot be delivered are spooled to disk and retried on Close.
package emit

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gustycube/avasite/internal/circuitbreaker"
	"github.com/gustycube/avasite/internal/httpclient"
	"github.com/gustycube/avasite/internal/logging"
	"github.com/gustycube/avasite/internal/metrics"
	"github.com/gustycube/avasite/internal/types"
)

type Batch struct {
	ProbeID string              `json:"probe_id"`
	RunID   string              `json:"run_id"`
	SentAt  time.Time           `json:"sent_at"`
	Results []types.CheckResult `json:"results"`
}

type Config struct {
	Ingest     string
	ProbeID    string
	RunID      string
	BatchMax   int
	FlushEvery time.Duration
	SpoolDir   string
	MaxElapsed time.Duration // retry budget per batch
	MTLSCert   string
	MTLSKey    string
}

type Emitter struct {
	cfg    Config
	client *httpclient.ResilientClient
	log    *logging.Logger

	mu  sync.Mutex
	acc []types.CheckResult

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, log *logging.Logger) (*Emitter, error) {
	if cfg.Ingest == "" {
		return nil, errors.New("emit: ingest url is required")
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "spool"
	}
	if log == nil {
		log = logging.New()
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MTLSCert != "" && cfg.MTLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.MTLSCert, cfg.MTLSKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	breaker := circuitbreaker.DefaultConfig()
	breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
		log.Warnw("ingest breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
	}
	e := &Emitter{
		cfg:    cfg,
		client: httpclient.NewResilientClient(httpclient.Default(tlsConfig), breaker),
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.run()
	return e, nil
}

func (e *Emitter) run() {
	defer close(e.done)
	t := time.NewTicker(e.cfg.FlushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.flush(context.Background())
		case <-e.stop:
			return
		}
	}
}

// Write queues r; a full batch is sent right away.
func (e *Emitter) Write(ctx context.Context, r types.CheckResult) error {
	e.mu.Lock()
	e.acc = append(e.acc, r)
	full := len(e.acc) >= e.cfg.BatchMax
	e.mu.Unlock()
	if full {
		return e.flush(ctx)
	}
	return nil
}

func (e *Emitter) take() []types.CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.acc
	e.acc = nil
	return out
}

func (e *Emitter) flush(ctx context.Context) error {
	results := e.take()
	if len(results) == 0 {
		return nil
	}
	b := Batch{ProbeID: e.cfg.ProbeID, RunID: e.cfg.RunID, SentAt: time.Now().UTC(), Results: results}
	if err := e.post(ctx, b); err != nil {
		metrics.SinkErrors.WithLabelValues("ingest").Inc()
		e.log.Warnw("ingest failed, spooling", "results", len(results), "err", err)
		if serr := e.spool(b); serr != nil {
			e.log.Errorw("spool failed, batch dropped", "err", serr)
			return serr
		}
		return err
	}
	return nil
}

func (e *Emitter) post(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return backoff.Permanent(err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Ingest, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("bad status: %d", resp.StatusCode))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = e.cfg.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (e *Emitter) spool(b Batch) error {
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	f, err := os.Create(filepath.Join(e.cfg.SpoolDir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(b)
}

// Drain resends spooled batches, removing each one that is accepted.
func (e *Emitter) Drain(ctx context.Context) (sent int) {
	entries, _ := os.ReadDir(e.cfg.SpoolDir)
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		p := filepath.Join(e.cfg.SpoolDir, ent.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			e.log.Warnw("unreadable spool file", "path", p, "err", err)
			continue
		}
		if err := e.post(ctx, b); err != nil {
			e.log.Warnw("spooled batch still undeliverable", "path", p, "err", err)
			continue
		}
		_ = os.Remove(p)
		sent++
	}
	return sent
}

// Close stops the flush loop, sends what is queued and retries the spool.
func (e *Emitter) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stop)
		<-e.done
		ctx := context.Background()
		err = e.flush(ctx)
		if n := e.Drain(ctx); n > 0 {
			e.log.Infow("spooled batches delivered", "batches", n)
		}
	})
	return err
}
