// Package output delivers CheckResults to their destinations.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gustycube/avasite/internal/format"
	"github.com/gustycube/avasite/internal/types"
)

// Sink consumes results as they are produced.
type Sink interface {
	Write(ctx context.Context, r types.CheckResult) error
	Close() error
}

// Noter is implemented by sinks that print iteration banners.
type Noter interface {
	Note(msg string) error
}

// Writer handles formatted output
type Writer struct {
	format    format.OutputFormat
	formatter format.Formatter
	w         io.Writer
	closer    io.Closer
	mu        sync.Mutex
}

// NewWriter creates a new output writer
func NewWriter(f format.OutputFormat, w io.Writer) (*Writer, error) {
	formatter, err := format.GetFormatter(f)
	if err != nil {
		return nil, err
	}
	return &Writer{format: f, formatter: formatter, w: w}, nil
}

// NewStdoutWriter creates a writer for stdout
func NewStdoutWriter(f format.OutputFormat) (*Writer, error) {
	return NewWriter(f, os.Stdout)
}

// NewFileWriter appends to path, creating it if needed. Close closes the file.
func NewFileWriter(f format.OutputFormat, path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	w, err := NewWriter(f, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.closer = file
	return w, nil
}

func (w *Writer) Write(_ context.Context, r types.CheckResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.formatter.FormatStream(r, w.w)
}

// Note prints a banner line. Structured formats skip it.
func (w *Writer) Note(msg string) error {
	if w.format != format.FormatText {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, msg+"\n")
	return err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// Multi fans results out to several sinks.
type Multi []Sink

// Write hands r to every sink and returns the first error.
func (m Multi) Write(ctx context.Context, r types.CheckResult) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Note(msg string) error {
	var first error
	for _, s := range m {
		if n, ok := s.(Noter); ok {
			if err := n.Note(msg); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
