package input

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

func init() {
	Register("json", func(source string) (Reader, error) { return OpenJSON(source) })
}

// JSONReader reads a file holding a list of {"host": ..., "ports": [...]}
// objects. Ports may be numbers or numeric strings; no ports means ICMP mode.
type JSONReader struct {
	path string
}

func OpenJSON(path string) (*JSONReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open json input: %w", err)
	}
	return &JSONReader{path: path}, nil
}

func (j *JSONReader) Read(ctx context.Context) ([]Row, error) {
	b, err := os.ReadFile(j.path)
	if err != nil {
		return nil, fmt.Errorf("read json input: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%w: json input must be a list of objects: %v", ErrMalformedInput, err)
	}
	rows := make([]Row, 0, len(entries))
	for idx, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, jsonRow(idx, e))
	}
	return rows, nil
}

func (j *JSONReader) Close() error { return nil }

// jsonRow decodes one entry. Anything that is not an object with a string
// host and a list of ports yields an invalid row rather than an error.
func jsonRow(idx int, raw []byte) Row {
	row := Row{Idx: idx}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var e map[string]any
	if err := dec.Decode(&e); err != nil {
		return row
	}
	host, _ := e["host"].(string)
	row.Host = host

	portsOK := true
	switch ps := e["ports"].(type) {
	case nil:
	case []any:
		for _, p := range ps {
			switch v := p.(type) {
			case json.Number:
				row.RawPorts = append(row.RawPorts, v.String())
			case string:
				row.RawPorts = append(row.RawPorts, v)
			default:
				row.RawPorts = append(row.RawPorts, fmt.Sprint(v))
				portsOK = false
			}
		}
	default:
		row.RawPorts = []string{fmt.Sprint(ps)}
		portsOK = false
	}

	if !portsOK || !ValidHost(host) {
		return row
	}
	ports, ok := parsePorts(row.RawPorts)
	if !ok {
		return row
	}
	row.Ports, row.Valid = ports, true
	return row
}
