package format

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/avasite/internal/types"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatText  OutputFormat = "text"
	FormatJSONL OutputFormat = "jsonl"
	FormatCSV   OutputFormat = "csv"
)

// Placeholder stands in for a missing port or address, and for a host that
// is itself an IP literal.
const Placeholder = "???"

// TimeLayout is the timestamp layout of text lines.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Formatter renders one CheckResult.
type Formatter interface {
	Format(r types.CheckResult) ([]byte, error)
	FormatStream(r types.CheckResult, w io.Writer) error
}

// TextFormatter writes the human readable line format:
//
//	<ts> | <host> | <ip> | <rtt> ms | <port> | <status>
type TextFormatter struct{}

func NewTextFormatter() *TextFormatter { return &TextFormatter{} }

func (f *TextFormatter) Format(r types.CheckResult) ([]byte, error) {
	return []byte(Line(r) + "\n"), nil
}

func (f *TextFormatter) FormatStream(r types.CheckResult, w io.Writer) error {
	_, err := io.WriteString(w, Line(r)+"\n")
	return err
}

// Line renders r without the trailing newline.
func Line(r types.CheckResult) string {
	ts := r.Timestamp.Format(TimeLayout)
	port := Placeholder
	if r.HasPort() {
		port = strconv.Itoa(int(r.Port))
	}
	if !r.Resolved() {
		return strings.Join([]string{ts, r.Host, Placeholder, "0 ms", port, "Hostname not resolved."}, " | ")
	}
	host := r.Host
	if isIPv4Literal(host) {
		host = Placeholder
	}
	return strings.Join([]string{ts, host, r.IP, formatRTT(r.RTTMs) + " ms", port, r.Status.Label()}, " | ")
}

func formatRTT(ms float64) string {
	return strconv.FormatFloat(ms, 'f', -1, 64)
}

func isIPv4Literal(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// JSONLFormatter formats output as JSON Lines (JSONL)
type JSONLFormatter struct{}

func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

func (f *JSONLFormatter) Format(r types.CheckResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (f *JSONLFormatter) FormatStream(r types.CheckResult, w io.Writer) error {
	data, err := f.Format(r)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

var csvHeader = []string{"timestamp", "host", "ip", "port", "status", "rtt_ms", "cert", "cert_reason"}

// CSVFormatter formats output as CSV. The header is written before the first record only.
type CSVFormatter struct {
	mu        sync.Mutex
	hasHeader bool
}

func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

func (f *CSVFormatter) Format(r types.CheckResult) ([]byte, error) {
	var b strings.Builder
	if err := f.FormatStream(r, &b); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func (f *CSVFormatter) FormatStream(r types.CheckResult, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cw := csv.NewWriter(w)
	if !f.hasHeader {
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		f.hasHeader = true
	}
	port := ""
	if r.HasPort() {
		port = strconv.Itoa(int(r.Port))
	}
	status := r.Status.String()
	if !r.Resolved() {
		status = "unresolved"
	}
	cert, reason := "", ""
	if r.Cert != nil {
		cert, reason = r.Cert.Kind.String(), r.Cert.Reason
	}
	if err := cw.Write([]string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.Host,
		r.IP,
		port,
		status,
		formatRTT(r.RTTMs),
		cert,
		reason,
	}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// GetFormatter returns a formatter for the specified format
func GetFormatter(format OutputFormat) (Formatter, error) {
	switch format {
	case FormatText:
		return NewTextFormatter(), nil
	case FormatJSONL:
		return NewJSONLFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// ParseFormat parses a format string
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json", "jsonl", "ndjson":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}
