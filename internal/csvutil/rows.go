package csvutil

import (
	"io"

	"github.com/cockroachdb/errors"
)

// Rows is a pull cursor over the data records of a delimited stream,
// projected onto a column Selection. Its Next/Values/Err shape is the one
// bulk-copy sources use.
//
// Blank cells and cells past the end of a short record read as nil. Cells
// holding only whitespace are returned verbatim.
type Rows struct {
	r     *Reader
	sel   Selection
	cur   []any
	count int64
	err   error
}

// NewRows opens a cursor over src. The first record is consumed as the
// header and discarded; resolve the Selection against it beforehand.
func NewRows(src io.Reader, sel Selection, opts ...Option) (*Rows, error) {
	if len(sel) == 0 {
		return nil, &HeaderError{Kind: ErrNoColumns}
	}
	r := NewReader(src, opts...)
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, &HeaderError{Kind: ErrEmptyFile}
		}
		return nil, errors.Wrap(err, "skip csv header")
	}
	return &Rows{r: r, sel: sel, cur: make([]any, len(sel))}, nil
}

// Next advances to the next record. It returns false at end of input or on
// error; check Err afterwards.
func (rs *Rows) Next() bool {
	if rs.err != nil {
		return false
	}
	rec, err := rs.r.Read()
	if err != nil {
		if err != io.EOF {
			rs.err = err
		}
		return false
	}
	for i, c := range rs.sel {
		if c.Index >= len(rec) || rec[c.Index] == "" {
			rs.cur[i] = nil
			continue
		}
		rs.cur[i] = rec[c.Index]
	}
	rs.count++
	return true
}

// Value returns the i-th selected value of the current record: a string, or
// nil when the cell is blank or missing.
func (rs *Rows) Value(i int) any {
	if i < 0 || i >= len(rs.cur) {
		return nil
	}
	return rs.cur[i]
}

// Values returns the current record. The slice is reused by the next call
// to Next.
func (rs *Rows) Values() ([]any, error) { return rs.cur, nil }

// FieldCount is the width of every row, equal to the selection size.
func (rs *Rows) FieldCount() int { return len(rs.sel) }

// Err returns the first read or parse error encountered.
func (rs *Rows) Err() error { return rs.err }

// Line returns the source line on which the current record started.
func (rs *Rows) Line() int { return rs.r.Line() }

// Count returns the number of records returned so far.
func (rs *Rows) Count() int64 { return rs.count }
