package reader

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"

	"github.com/poiesic/convey/core"
)

// decodeCSV reads a header row followed by data rows. Values are parsed
// into the narrowest fitting scalar: int64, float64, bool, or string.
// Empty cells decode to nil.
func decodeCSV(r io.Reader) ([]core.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingHeader
		}
		return nil, err
	}
	if len(header) == 0 {
		return nil, ErrMissingHeader
	}

	var records []core.Record
	for {
		row, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		record := make(core.Record, len(header))
		for i, name := range header {
			if i >= len(row) {
				record[name] = nil
				continue
			}
			record[name] = parseScalar(row[i])
		}
		records = append(records, record)
	}
	return records, nil
}

func parseScalar(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true", "TRUE", "True":
		return true
	case "false", "FALSE", "False":
		return false
	}
	return s
}
