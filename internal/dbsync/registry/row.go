package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Row is a snapshot of all columns of a tracked row. Values use the in-memory
// representations of the column kinds: int64, float64, string, bool,
// time.Time and []byte. Nil means SQL NULL.
type Row map[string]any

// AsInt64 coerces the numeric representations that reach us from database
// drivers and JSON decoding into an int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// EncodeRow converts a row into JSON-friendly values: times become
// RFC3339Nano strings and byte slices become base64.
func (ct *ContentType) EncodeRow(row Row) map[string]any {
	out := make(map[string]any, len(row))
	for _, col := range ct.Columns {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		if v == nil {
			out[col.Name] = nil
			continue
		}
		switch col.Kind {
		case Time:
			if t, ok := v.(time.Time); ok {
				out[col.Name] = t.UTC().Format(time.RFC3339Nano)
			} else {
				out[col.Name] = v
			}
		case Bytes:
			if b, ok := v.([]byte); ok {
				out[col.Name] = base64.StdEncoding.EncodeToString(b)
			} else {
				out[col.Name] = v
			}
		default:
			out[col.Name] = v
		}
	}
	return out
}

// DecodeRow converts decoded JSON values back to the column kinds.
func (ct *ContentType) DecodeRow(raw map[string]any) (Row, error) {
	row := make(Row, len(raw))
	for _, col := range ct.Columns {
		v, ok := raw[col.Name]
		if !ok {
			continue
		}
		if v == nil {
			row[col.Name] = nil
			continue
		}
		switch col.Kind {
		case Int:
			n, ok := AsInt64(v)
			if !ok {
				return nil, fmt.Errorf("column %s.%s: expected integer, got %T", ct.ID, col.Name, v)
			}
			row[col.Name] = n
		case Float:
			switch f := v.(type) {
			case float64:
				row[col.Name] = f
			case int64:
				row[col.Name] = float64(f)
			default:
				return nil, fmt.Errorf("column %s.%s: expected float, got %T", ct.ID, col.Name, v)
			}
		case Text:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s.%s: expected string, got %T", ct.ID, col.Name, v)
			}
			row[col.Name] = s
		case Bool:
			switch b := v.(type) {
			case bool:
				row[col.Name] = b
			case float64:
				row[col.Name] = b != 0
			case int64:
				row[col.Name] = b != 0
			default:
				return nil, fmt.Errorf("column %s.%s: expected bool, got %T", ct.ID, col.Name, v)
			}
		case Time:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s.%s: expected timestamp string, got %T", ct.ID, col.Name, v)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("column %s.%s: %w", ct.ID, col.Name, err)
			}
			row[col.Name] = t
		case Bytes:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s.%s: expected base64 string, got %T", ct.ID, col.Name, v)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("column %s.%s: %w", ct.ID, col.Name, err)
			}
			row[col.Name] = b
		}
	}
	return row, nil
}
