package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Format names an export encoding.
type Format string

// Supported export formats.
const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ParseFormat accepts a case-insensitive format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatJSONL, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", crawler.ErrValidation, s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

func (d *Dataset) exportJSON(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return err
	}
	first := true
	var buf bytes.Buffer
	for item, err := range d.Iterate(ctx, 0) {
		if err != nil {
			return err
		}
		sep := ",\n"
		if first {
			sep = "\n"
			first = false
		}
		buf.Reset()
		if err := json.Indent(&buf, item, "  ", "  "); err != nil {
			return fmt.Errorf("indent item: %w", err)
		}
		if _, err := bw.WriteString(sep + "  "); err != nil {
			return err
		}
		if _, err := buf.WriteTo(bw); err != nil {
			return err
		}
	}
	closing := "\n]\n"
	if first {
		closing = "]\n"
	}
	if _, err := bw.WriteString(closing); err != nil {
		return err
	}
	return bw.Flush()
}

func (d *Dataset) exportJSONL(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	var buf bytes.Buffer
	for item, err := range d.Iterate(ctx, 0) {
		if err != nil {
			return err
		}
		buf.Reset()
		if err := json.Compact(&buf, item); err != nil {
			return fmt.Errorf("compact item: %w", err)
		}
		buf.WriteByte('\n')
		if _, err := buf.WriteTo(bw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// exportCSV writes one row per item. Columns are the sorted union of the
// top-level keys; nested values are written as JSON.
func (d *Dataset) exportCSV(ctx context.Context, w io.Writer) error {
	columns := make(map[string]struct{})
	for item, err := range d.Iterate(ctx, 0) {
		if err != nil {
			return err
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("%w: csv export needs JSON objects: %v", crawler.ErrValidation, err)
		}
		for k := range obj {
			columns[k] = struct{}{}
		}
	}
	header := slices.Sorted(maps.Keys(columns))
	cw := csv.NewWriter(w)
	if len(header) > 0 {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	row := make([]string, len(header))
	for item, err := range d.Iterate(ctx, 0) {
		if err != nil {
			return err
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("%w: csv export needs JSON objects: %v", crawler.ErrValidation, err)
		}
		for i, col := range header {
			row[i] = csvCell(obj[col])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvCell(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
