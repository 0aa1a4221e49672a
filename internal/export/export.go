// Package export serializes whole tables. JSONL round-trips through import;
// XLSX is for spreadsheets.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mesh-intelligence/gridcache/internal/store"
)

// Format names an export encoding.
type Format string

// Supported formats.
const (
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSONL, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownFormat)
}

// ContentType is the MIME type stored with an exported object.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/x-ndjson"
}

// Write encodes d to w in format f.
func Write(w io.Writer, f Format, d store.Dump) error {
	switch f {
	case FormatJSONL:
		return WriteJSONL(w, d)
	case FormatXLSX:
		return WriteXLSX(w, d)
	}
	return fmt.Errorf("%q: %w", f, ErrUnknownFormat)
}
