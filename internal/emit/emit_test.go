package emit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gustycube/avasite/internal/types"
	"go.uber.org/zap"
)

type ingest struct {
	mu      sync.Mutex
	batches []Batch
	fail    atomic.Bool
	status  int
}

func (in *ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if in.fail.Load() {
		w.WriteHeader(in.status)
		return
	}
	var b Batch
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	in.mu.Lock()
	in.batches = append(in.batches, b)
	in.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (in *ingest) received() (batches, results int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, b := range in.batches {
		results += len(b.Results)
	}
	return len(in.batches), results
}

func newEmitter(t *testing.T, url string, batchMax int) *Emitter {
	t.Helper()
	e, err := New(Config{
		Ingest:     url,
		ProbeID:    "probe-1",
		RunID:      "run-1",
		BatchMax:   batchMax,
		FlushEvery: time.Hour,
		SpoolDir:   t.TempDir(),
		MaxElapsed: 300 * time.Millisecond,
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func result(port uint16) types.CheckResult {
	return types.CheckResult{Timestamp: time.Now(), Host: "example.com", IP: "192.0.2.1", Port: port, Status: types.StatusOpen, RTTMs: 1}
}

func spooled(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestEmitter_FlushesFullBatch(t *testing.T) {
	in := &ingest{}
	srv := httptest.NewServer(in)
	defer srv.Close()
	e := newEmitter(t, srv.URL, 2)
	ctx := context.Background()

	e.Write(ctx, result(80))
	if n, _ := in.received(); n != 0 {
		t.Fatal("batch sent before it was full")
	}
	if err := e.Write(ctx, result(443)); err != nil {
		t.Fatal(err)
	}
	batches, results := in.received()
	if batches != 1 || results != 2 {
		t.Fatalf("got %d batches / %d results", batches, results)
	}
	if in.batches[0].ProbeID != "probe-1" || in.batches[0].RunID != "run-1" {
		t.Errorf("batch ids = %+v", in.batches[0])
	}

	e.Write(ctx, result(22))
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, results := in.received(); results != 3 {
		t.Errorf("close should flush the remainder, got %d results", results)
	}
}

func TestEmitter_SpoolsAndDrains(t *testing.T) {
	in := &ingest{status: http.StatusServiceUnavailable}
	in.fail.Store(true)
	srv := httptest.NewServer(in)
	defer srv.Close()
	e := newEmitter(t, srv.URL, 1)

	if err := e.Write(context.Background(), result(80)); err == nil {
		t.Fatal("expected delivery error")
	}
	if n := spooled(t, e.cfg.SpoolDir); n != 1 {
		t.Fatalf("expected 1 spooled batch, got %d", n)
	}

	in.fail.Store(false)
	// the breaker may still be open after the failures
	fresh := newEmitter(t, srv.URL, 1)
	defer fresh.Close()
	e.client = fresh.client
	if sent := e.Drain(context.Background()); sent != 1 {
		t.Fatalf("drained %d batches", sent)
	}
	if n := spooled(t, e.cfg.SpoolDir); n != 0 {
		t.Errorf("spool not emptied: %d", n)
	}
	if _, results := in.received(); results != 1 {
		t.Errorf("ingest received %d results", results)
	}
	e.Close()
}

func TestEmitter_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	e := newEmitter(t, srv.URL, 1)
	defer e.Close()

	if err := e.Write(context.Background(), result(80)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestNew_RequiresIngest(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error without ingest url")
	}
}
