// Package source opens the CSV input for each import attempt.
package source

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/amruta255/CSVImport/internal/csvutil"
)

// Opener returns a fresh UTF-8 stream positioned at the start of the input.
// The importer calls it once for the header and again for every attempt.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func() (io.ReadCloser, error)

// Open calls f.
func (f OpenerFunc) Open() (io.ReadCloser, error) { return f() }

// FileOpener opens a file on disk and decodes it from Encoding (a WHATWG
// label, empty meaning UTF-8).
type FileOpener struct {
	Path     string
	Encoding string
}

// Open implements Opener.
func (o FileOpener) Open() (io.ReadCloser, error) {
	f, err := os.Open(o.Path)
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "open csv file"),
			"check the file path and that the current user can read it")
	}
	adviseSequential(f)

	r, err := csvutil.Decode(f, o.Encoding)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return readCloser{Reader: r, Closer: f}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
