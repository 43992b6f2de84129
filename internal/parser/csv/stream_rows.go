// Package csv streams DSP CSV extracts into pooled rows.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"dspetl/internal/config"
	"dspetl/internal/transformer"
	"dspetl/internal/transformer/builtin"
)

// decoderFor returns the decoder for the "encoding" option. Every decoder
// honours a UTF-8 or UTF-16 byte-order mark, which Excel writes on export.
func decoderFor(name string) (transform.Transformer, error) {
	var fallback encoding.Encoding
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		fallback = unicode.UTF8
	case "utf-16", "utf-16le", "utf16":
		fallback = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case "utf-16be":
		fallback = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	case "windows-1252", "cp1252":
		fallback = charmap.Windows1252
	case "latin1", "iso-8859-1":
		fallback = charmap.ISO8859_1
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return unicode.BOMOverride(fallback.NewDecoder()), nil
}

// NormalizeHeader maps a raw header cell to a canonical field name: trimmed,
// BOM-stripped, lowercased with inner spaces as '_', then looked up in hm.
// hm may be keyed either by the raw (trimmed) header or by its normalized form.
func NormalizeHeader(h string, hm map[string]string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	if builtin.HasEdgeSpace(h) {
		h = strings.TrimSpace(h)
	}
	if mapped, ok := hm[h]; ok {
		return mapped
	}
	n := strings.ToLower(strings.Join(strings.Fields(h), "_"))
	if mapped, ok := hm[n]; ok {
		return mapped
	}
	return n
}

// ReadHeader reads the header record of r with the same decoding and
// delimiter options StreamCSVRows uses. Cells are returned raw.
func ReadHeader(r io.Reader, opt config.Options) ([]string, error) {
	dec, err := decoderFor(opt.String("encoding", "utf-8"))
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return hdr, nil
}

// StreamCSVRows streams CSV into pooled *transformer.Row objects aligned to the
// target 'columns' order. Columns the file does not carry stay nil; empty
// cells become nil.
//
// Row.Line is the 1-based data row number (the header is not counted). onErr
// receives the 1-based physical record number of rows that failed to parse;
// such rows are skipped.
//
// NOTE on cancellation:
// On ctx cancellation we must NOT return in-flight rows to the pool (Drop instead),
// otherwise the parser can reuse them immediately while downstream stages still
// read them.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	var line, dataRow int

	hasHeader := opt.Bool("has_header", true)
	comma := opt.Rune("comma", ',')
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")
	lazy := opt.Bool("lazy_quotes", false)
	fieldsPer := opt.Int("fields_per_record", 0)

	dec, err := decoderFor(opt.String("encoding", "utf-8"))
	if err != nil {
		return err
	}

	cr := csv.NewReader(transform.NewReader(src, dec))
	cr.Comma = comma
	cr.ReuseRecord = true
	cr.LazyQuotes = lazy
	if fieldsPer != 0 {
		cr.FieldsPerRecord = fieldsPer
	} else {
		cr.FieldsPerRecord = -1
	}

	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	if hasHeader {
		hdr, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return fmt.Errorf("read header: %w", err)
		}
		srcToIdx := make(map[string]int, len(hdr))
		for i, h := range hdr {
			name := NormalizeHeader(h, hm)
			if _, dup := srcToIdx[name]; dup {
				// First occurrence wins; Excel sheets occasionally repeat a column.
				continue
			}
			srcToIdx[name] = i
		}
		for t, target := range columns {
			if si, ok := srcToIdx[target]; ok {
				colIx[t] = si
			}
		}
	} else {
		for i := range columns {
			colIx[i] = i
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			dataRow++
			continue
		}
		dataRow++

		if isBlankRecord(rec) {
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = dataRow

		for t := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				row.V[t] = nil
				continue
			}
			v := rec[si]
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row.V[t] = nil
			} else {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			// IMPORTANT: do not re-pool on cancellation
			row.Drop()
			return ctx.Err()
		}
	}
}

// isBlankRecord reports a row of only empty cells (trailing rows of an Excel
// export); such rows still consume a data row number.
func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
