// Package report renders tabular pipeline reports as CSV.
package report

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report names, in the order they are exported.
const (
	SourceCounts        = "source_counts"
	MonthlyDistribution = "monthly_distribution"
	FetchStatus         = "fetch_status"
	RecentRuns          = "recent_runs"
)

// Names lists every report a store must provide.
var Names = []string{SourceCounts, MonthlyDistribution, FetchStatus, RecentRuns}

// Table is a rendered report: a header row and string cells.
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ParseQueries splits a SQL file into named queries. Each query starts with a
// "-- name: <report>" line and runs until the next one.
func ParseQueries(src string) (map[string]string, error) {
	queries := make(map[string]string)
	var (
		current string
		lines   []string
	)
	flush := func() {
		if current == "" {
			return
		}
		if body := strings.TrimSpace(strings.Join(lines, "\n")); body != "" {
			queries[current] = body
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if name, ok := strings.CutPrefix(line, "-- name:"); ok {
			flush()
			current = strings.TrimSpace(name)
			lines = lines[:0]
			continue
		}
		if current != "" {
			lines = append(lines, raw)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan queries: %w", err)
	}
	flush()

	if len(queries) == 0 {
		return nil, fmt.Errorf("no named queries found")
	}
	return queries, nil
}

// FormatCell renders a database value for a CSV cell. NULL becomes empty.
func FormatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return ""
		}
		return val.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case []string:
		return strings.Join(val, ";")
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, FormatCell(p))
		}
		return strings.Join(parts, ";")
	default:
		return fmt.Sprint(val)
	}
}

// WriteCSV writes the table with its header row.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// WriteDir writes one <name>.csv per table into dir, creating it if needed,
// and returns the paths written.
func WriteDir(dir string, tables []Table) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	paths := make([]string, 0, len(tables))
	for _, t := range tables {
		path := filepath.Join(dir, t.Name+".csv")
		if err := writeFile(path, t); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, t Table) (err error) {
	f, err := os.Create(path) //nolint:gosec // path is built from a fixed report name
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return WriteCSV(f, t)
}
