package csvutil

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Header and column-selection failures. Each is wrapped in a *HeaderError that
// carries the offending column and, where useful, the available headers.
var (
	ErrEmptyFile       = errors.New("csv file is empty")
	ErrEmptyHeader     = errors.New("csv header row is empty")
	ErrBlankColumn     = errors.New("csv header contains a blank column name")
	ErrDuplicateColumn = errors.New("csv header contains a duplicate column name")
	ErrColumnNotFound  = errors.New("requested column not found in csv header")
	ErrNoColumns       = errors.New("no columns selected")
)

// HeaderError reports an unusable header row or column request.
type HeaderError struct {
	Kind      error    // one of the Err* values above
	Column    string   // offending name, if any
	Position  int      // 1-based header position, if any
	Available []string // header names, for ErrColumnNotFound
}

func (e *HeaderError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrBlankColumn):
		return fmt.Sprintf("csv header column %d has a blank name", e.Position)
	case errors.Is(e.Kind, ErrDuplicateColumn):
		return fmt.Sprintf("duplicate csv header %q at column %d", e.Column, e.Position)
	case errors.Is(e.Kind, ErrColumnNotFound):
		return fmt.Sprintf("column %q was not found in the csv header; available headers: %s",
			e.Column, strings.Join(e.Available, ", "))
	default:
		return e.Kind.Error()
	}
}

func (e *HeaderError) Unwrap() error { return e.Kind }

// Header is a validated header row.
type Header struct {
	names []string
	index map[string]int // folded name -> position
}

// ReadHeader reads the first record of r and validates it as a header: it
// must exist, must not be blank, and names must be non-blank and unique under
// case-insensitive comparison. A leading BOM and surrounding whitespace are
// removed from each name.
func ReadHeader(r *Reader) (Header, error) {
	rec, err := r.Read()
	if err == io.EOF {
		return Header{}, &HeaderError{Kind: ErrEmptyFile}
	}
	if err != nil {
		return Header{}, errors.Wrap(err, "read csv header")
	}
	return NewHeader(rec)
}

// NewHeader validates names as a header row.
func NewHeader(names []string) (Header, error) {
	names = stripHeaderBOM(append([]string(nil), names...))

	blank := true
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
		if names[i] != "" {
			blank = false
		}
	}
	if len(names) == 0 || blank {
		return Header{}, &HeaderError{Kind: ErrEmptyHeader}
	}

	index := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return Header{}, &HeaderError{Kind: ErrBlankColumn, Position: i + 1}
		}
		key := foldKey(n)
		if _, dup := index[key]; dup {
			return Header{}, &HeaderError{Kind: ErrDuplicateColumn, Column: n, Position: i + 1}
		}
		index[key] = i
	}
	return Header{names: names, index: index}, nil
}

// Names returns the header names in file order.
func (h Header) Names() []string { return append([]string(nil), h.names...) }

// Len returns the number of header columns.
func (h Header) Len() int { return len(h.names) }

// Lookup finds name case-insensitively.
func (h Header) Lookup(name string) (int, bool) {
	i, ok := h.index[foldKey(strings.TrimSpace(name))]
	return i, ok
}

// foldKey is the matching key for a column name: NFC-composed, then case
// folded, so "Cafe\u0301" and "CAFÉ" meet.
func foldKey(name string) string {
	return cases.Fold().String(norm.NFC.String(name))
}

// Column is one selected source column.
type Column struct {
	Index int    // position in the source record
	Name  string // header spelling
}

// Selection is an ordered list of source columns to import.
type Selection []Column

// Names returns the header spelling of every selected column.
func (s Selection) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Resolve maps requested column names onto h, preserving request order.
// Names are trimmed and matched case-insensitively; blank entries are
// ignored and repeats collapse onto their first occurrence.
func Resolve(h Header, requested []string) (Selection, error) {
	var (
		sel  Selection
		seen = make(map[int]struct{}, len(requested))
	)
	for _, raw := range requested {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		idx, ok := h.Lookup(name)
		if !ok {
			return nil, errors.WithHint(
				&HeaderError{Kind: ErrColumnNotFound, Column: name, Available: h.Names()},
				"column names are matched case-insensitively against the first row of the file",
			)
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		sel = append(sel, Column{Index: idx, Name: h.names[idx]})
	}
	if len(sel) == 0 {
		return nil, &HeaderError{Kind: ErrNoColumns}
	}
	return sel, nil
}

// ParseColumnList splits a comma-separated column list as typed by an
// operator. Entries are trimmed; empty entries are dropped.
func ParseColumnList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
