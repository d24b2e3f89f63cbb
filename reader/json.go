package reader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/poiesic/convey/core"
)

// decodeJSON handles a single object or an array of objects. Numbers
// decode via json.Number and are narrowed to int64 where they fit.
func decodeJSON(r io.Reader) ([]core.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	switch v := raw.(type) {
	case map[string]any:
		return []core.Record{normalizeRecord(v)}, nil
	case []any:
		records := make([]core.Record, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, ErrNotObject
			}
			records = append(records, normalizeRecord(obj))
		}
		return records, nil
	default:
		return nil, ErrNotObject
	}
}

// decodeNDJSON handles newline-delimited JSON objects, skipping blank lines.
func decodeNDJSON(r io.Reader) ([]core.Record, error) {
	var records []core.Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, normalizeRecord(obj))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// normalizeRecord converts json.Number values to int64 or float64 so
// downstream type inference and SQL parameter binding see real scalars.
func normalizeRecord(obj map[string]any) core.Record {
	record := make(core.Record, len(obj))
	for k, v := range obj {
		record[k] = normalizeValue(v)
	}
	return record
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		return map[string]any(normalizeRecord(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
