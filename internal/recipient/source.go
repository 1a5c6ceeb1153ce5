// Package recipient reads the recipient spreadsheet row by row.
package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"wasender/internal/domain"
)

// Options tune how a recipient file is read.
type Options struct {
	Sheet string // xlsx sheet name; empty = first sheet
}

// Source is a validated recipient file. It holds no open handles: every call
// to All re-reads the file from the start.
type Source struct {
	path    string
	format  format
	sheet   string
	columns []string
}

type format int

const (
	formatCSV format = iota
	formatXLSX
)

// Open validates that path exists and that its header carries the
// "Mobile Number" column.
func Open(path string, opts Options) (*Source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &domain.NotFoundError{What: "recipient file"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &domain.NotFoundError{What: "recipient file", Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &domain.NotFoundError{What: "recipient file", Path: path, Err: errors.New("is a directory")}
	}

	s := &Source{path: path, format: detectFormat(path), sheet: opts.Sheet}

	rr, err := s.open()
	if err != nil {
		return nil, &domain.NotFoundError{What: "recipient file", Path: path, Err: err}
	}
	defer rr.Close()

	header, err := rr.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	s.columns = normalizeHeader(header)

	found := false
	for _, c := range s.columns {
		if c == domain.ColumnMobileNumber {
			found = true
			break
		}
	}
	if !found {
		return nil, &domain.SchemaError{Path: path, Column: domain.ColumnMobileNumber}
	}
	return s, nil
}

// Columns returns the header in file order.
func (s *Source) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// All yields every data row in file order. Rows whose cells are all empty
// are skipped. A read error is yielded once and ends the sequence.
func (s *Source) All() iter.Seq2[domain.Recipient, error] {
	return func(yield func(domain.Recipient, error) bool) {
		rr, err := s.open()
		if err != nil {
			yield(domain.Recipient{}, fmt.Errorf("open %s: %w", s.path, err))
			return
		}
		defer rr.Close()

		if _, err := rr.Next(); err != nil {
			if !errors.Is(err, io.EOF) {
				yield(domain.Recipient{}, fmt.Errorf("read header of %s: %w", s.path, err))
			}
			return
		}

		row := 0
		for {
			cells, err := rr.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(domain.Recipient{}, fmt.Errorf("read %s row %d: %w", s.path, row+1, err))
				return
			}
			row++
			if blank(cells) {
				continue
			}
			if !yield(s.record(row, cells), nil) {
				return
			}
		}
	}
}

// Count returns the number of rows with a non-empty identity, which is the
// number of recipients a run will process.
func (s *Source) Count() (int, error) {
	n := 0
	for rec, err := range s.All() {
		if err != nil {
			return n, err
		}
		if rec.MobileNumber() != "" {
			n++
		}
	}
	return n, nil
}

func (s *Source) record(row int, cells []string) domain.Recipient {
	values := make(map[string]string, len(s.columns))
	for i, col := range s.columns {
		if col == "" {
			continue
		}
		v := ""
		if i < len(cells) {
			v = cells[i]
		}
		// Duplicate headers: first column wins.
		if _, dup := values[col]; !dup {
			values[col] = v
		}
	}
	return domain.Recipient{Row: row, Columns: s.Columns(), Values: values}
}

func (s *Source) open() (rowReader, error) {
	switch s.format {
	case formatXLSX:
		return openXLSX(s.path, s.sheet)
	default:
		return openCSV(s.path)
	}
}

func detectFormat(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return formatXLSX
	default:
		return formatCSV
	}
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// rowReader yields raw rows, header first, then io.EOF.
type rowReader interface {
	Next() ([]string, error)
	Close() error
}

type csvRows struct {
	f *os.File
	r *csv.Reader
}

func openCSV(path string) (*csvRows, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return &csvRows{f: f, r: r}, nil
}

func (c *csvRows) Next() ([]string, error) { return c.r.Read() }
func (c *csvRows) Close() error            { return c.f.Close() }

type xlsxRows struct {
	f    *excelize.File
	rows *excelize.Rows
}

func openXLSX(path, sheet string) (*xlsxRows, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sheet %q: %w", sheet, err)
	}
	return &xlsxRows{f: f, rows: rows}, nil
}

func (x *xlsxRows) Next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	// Raw values keep numeric phone cells from being rendered in
	// scientific or locale-specific notation.
	return x.rows.Columns(excelize.Options{RawCellValue: true})
}

func (x *xlsxRows) Close() error {
	x.rows.Close()
	return x.f.Close()
}
