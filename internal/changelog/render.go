package changelog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Renderer receives dumped entries in ascending sequence order.
type Renderer interface {
	Render(entries []Entry) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(entries []Entry) error

// Render implements Renderer.
func (f RendererFunc) Render(entries []Entry) error { return f(entries) }

// CSVRenderer writes a blank line, a header row, one row per entry and a
// trailing blank line.
type CSVRenderer struct {
	w io.Writer
}

// NewCSVRenderer returns a CSV renderer writing to w.
func NewCSVRenderer(w io.Writer) *CSVRenderer {
	return &CSVRenderer{w: w}
}

// Render implements Renderer.
func (r *CSVRenderer) Render(entries []Entry) error {
	if _, err := io.WriteString(r.w, "\n"); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	cw := csv.NewWriter(r.w)
	if err := cw.Write([]string{fieldSequence, fieldID, fieldChecksum, fieldUser, fieldTimestamp}); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	for _, e := range entries {
		var ts string
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.UTC().Format(time.RFC3339)
		}
		row := []string{strconv.FormatInt(e.Sequence, 10), e.ID, e.Checksum, e.User, ts}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if _, err := io.WriteString(r.w, "\n"); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

// JSONRenderer writes the entries as an indented JSON array.
type JSONRenderer struct {
	w io.Writer
}

// NewJSONRenderer returns a JSON renderer writing to w.
func NewJSONRenderer(w io.Writer) *JSONRenderer {
	return &JSONRenderer{w: w}
}

// Render implements Renderer.
func (r *JSONRenderer) Render(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}
