package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// Row is one archived binding. Every row of a snapshot carries the same
// checksum and capture time.
type Row struct {
	Route       string `parquet:"route"`
	Origin      string `parquet:"origin"`
	Personality string `parquet:"personality"`
	Checksum    string `parquet:"checksum"`
	CapturedAt  int64  `parquet:"captured_at,timestamp(millisecond)"`
}

// rowsFromRoutes flattens routes into rows sorted by route, then origin.
func rowsFromRoutes(routes map[string]map[string]string, checksum string, capturedAtMs int64) []Row {
	var rows []Row
	for route, instances := range routes {
		for origin, personality := range instances {
			rows = append(rows, Row{
				Route:       route,
				Origin:      origin,
				Personality: personality,
				Checksum:    checksum,
				CapturedAt:  capturedAtMs,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Route != rows[j].Route {
			return rows[i].Route < rows[j].Route
		}
		return rows[i].Origin < rows[j].Origin
	})
	return rows
}

// Routes rebuilds route -> origin -> personality from rows.
func Routes(rows []Row) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, r := range rows {
		instances, ok := out[r.Route]
		if !ok {
			instances = make(map[string]string)
			out[r.Route] = instances
		}
		instances[r.Origin] = r.Personality
	}
	return out
}

// EncodeRows writes rows as a Parquet file.
func EncodeRows(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	if len(rows) > 0 {
		n, err := w.Write(rows)
		if err != nil {
			return nil, fmt.Errorf("archive: write rows: %w", err)
		}
		if n != len(rows) {
			return nil, fmt.Errorf("archive: wrote %d of %d rows", n, len(rows))
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("archive: close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows reads a Parquet file written by EncodeRows.
func DecodeRows(data []byte) ([]Row, error) {
	r := parquet.NewGenericReader[Row](bytes.NewReader(data))
	defer r.Close()

	rows := make([]Row, r.NumRows())
	if len(rows) == 0 {
		return rows, nil
	}
	n, err := r.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("archive: read rows: %w", err)
	}
	return rows[:n], nil
}
