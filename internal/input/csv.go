package input

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

func init() {
	Register("csv", func(source string) (Reader, error) { return OpenCSV(source) })
}

// CSVReader reads `host;port,port,...` rows after a title row. An empty
// port column selects ICMP mode for that host.
type CSVReader struct {
	f     *os.File
	r     *csv.Reader
	title bool
}

func OpenCSV(path string) (*CSVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv input: %w", err)
	}
	return NewCSVReader(f), nil
}

// NewCSVReader reads from an already open file; Close closes it.
func NewCSVReader(f *os.File) *CSVReader {
	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return &CSVReader{f: f, r: r, title: true}
}

func (c *CSVReader) Read(ctx context.Context) ([]Row, error) {
	var rows []Row
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if c.title {
			c.title = false
			idx--
			continue
		}
		row, err := csvRow(idx, rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func csvRow(idx int, rec []string) (Row, error) {
	if len(rec) < 2 {
		return Row{}, fmt.Errorf("%w: Csv is absolutely invalid (row %d has %d column(s))", ErrMalformedInput, idx+1, len(rec))
	}
	host, col := rec[0], strings.TrimSpace(rec[1])
	row := Row{Idx: idx, Host: host}
	if col != "" {
		row.RawPorts = strings.Split(col, ",")
	}
	if !ValidHost(host) {
		return row, nil
	}
	ports, ok := parsePorts(row.RawPorts)
	if !ok {
		return row, nil
	}
	row.Ports, row.Valid = ports, true
	return row, nil
}

func (c *CSVReader) Close() error {
	return c.f.Close()
}
