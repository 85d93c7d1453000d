// Package input reads probe targets from a connection string of the form
// <protocol>:<source>, e.g. csv:./input.csv or redis:127.0.0.1:6379/targets.
//
// Each protocol registers a Factory from an init function; Open picks the
// factory by its tag.
package input

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gustycube/avasite/internal/types"
)

var (
	ErrConnectionString = errors.New("connection string must look like con_type:source. For example: csv:./input.csv")
	ErrUnknownProtocol  = errors.New("can't find datasource for connection type")
	ErrMalformedInput   = errors.New("input is malformed")
)

// Row is one input entry. RawPorts keeps the ports as written so invalid rows
// can be reported back verbatim; Ports is only filled for valid rows.
type Row struct {
	Idx      int
	Host     string
	RawPorts []string
	Ports    []uint16
	Valid    bool
}

func (r Row) Target() types.Target {
	return types.Target{Host: r.Host, Ports: r.Ports}
}

// Reader yields all rows of one source. Close releases the source and is
// always called by ReadAll.
type Reader interface {
	Read(ctx context.Context) ([]Row, error)
	Close() error
}

type Factory func(source string) (Reader, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a protocol available to Open. It panics on a duplicate tag.
func Register(protocol string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if protocol == "" || f == nil {
		panic("input: invalid registration")
	}
	if _, dup := registry[protocol]; dup {
		panic("input: protocol registered twice: " + protocol)
	}
	registry[protocol] = f
}

// Protocols lists the registered protocol tags in order.
func Protocols() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ParseConnection splits conn at the first colon.
func ParseConnection(conn string) (protocol, source string, err error) {
	protocol, source, ok := strings.Cut(conn, ":")
	if !ok || protocol == "" {
		return "", "", ErrConnectionString
	}
	return protocol, source, nil
}

func Open(conn string) (Reader, error) {
	protocol, source, err := ParseConnection(conn)
	if err != nil {
		return nil, err
	}
	mu.RLock()
	f, ok := registry[protocol]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownProtocol, protocol)
	}
	return f(source)
}

// ReadAll opens conn, reads every row and closes the reader.
func ReadAll(ctx context.Context, conn string) (rows []Row, err error) {
	r, err := Open(conn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return r.Read(ctx)
}

// Split separates valid rows from invalid ones, keeping input order.
func Split(rows []Row) (valid, invalid []Row) {
	for _, r := range rows {
		if r.Valid {
			valid = append(valid, r)
		} else {
			invalid = append(invalid, r)
		}
	}
	return valid, invalid
}
