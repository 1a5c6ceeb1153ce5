package domain

import "strings"

// Column names the engine gives meaning to. Both are case-sensitive.
const (
	ColumnMobileNumber = "Mobile Number"
	ColumnImageURL     = "ImageURL"
)

// Recipient is one spreadsheet row. Values are kept as text so phone numbers
// keep their leading "+" or zeros.
type Recipient struct {
	Row     int               // 1-based data row (header excluded)
	Columns []string          // header order
	Values  map[string]string // column -> cell text
}

// Get returns the value for a column and whether the column exists.
func (r Recipient) Get(column string) (string, bool) {
	v, ok := r.Values[column]
	return v, ok
}

// MobileNumber returns the trimmed identity cell.
func (r Recipient) MobileNumber() string {
	return strings.TrimSpace(r.Values[ColumnMobileNumber])
}

// ImageRef returns the trimmed per-recipient image reference, or "".
func (r Recipient) ImageRef() string {
	return strings.TrimSpace(r.Values[ColumnImageURL])
}
