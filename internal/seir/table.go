package seir

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Format selects the trajectory table encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat resolves a format name; empty selects CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want csv or json)", s)
	}
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

var csvHeader = []string{"t", "S", "E", "I", "R"}

// WriteTable encodes rows in format f.
func WriteTable(w io.Writer, f Format, rows []Row) error {
	if f == FormatJSON {
		return WriteJSON(w, rows)
	}
	return WriteCSV(w, rows)
}

// WriteCSV writes a t,S,E,I,R header and one line per row. Values use the
// shortest representation that parses back to the same float64.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	rec := make([]string, len(csvHeader))
	for i, r := range rows {
		rec[0] = formatFloat(r.T)
		rec[1] = formatFloat(r.S)
		rec[2] = formatFloat(r.E)
		rec[3] = formatFloat(r.I)
		rec[4] = formatFloat(r.R)
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes rows as a JSON array of {t,S,E,I,R} objects.
func WriteJSON(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
