package csvutil

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrUnknownEncoding marks a label that names no supported encoding.
var ErrUnknownEncoding = errors.New("unknown input encoding")

// Decode wraps r so that it yields UTF-8 text.
//
// label is a WHATWG encoding label ("utf-8", "windows-1250", "iso-8859-2",
// "utf-16le", ...). An empty label means UTF-8. Whatever the label, a byte
// order mark at the start of the stream wins and selects UTF-8 or UTF-16.
func Decode(r io.Reader, label string) (io.Reader, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "utf-8"
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, errors.WithHint(
			errors.Mark(errors.Wrapf(err, "unknown input encoding %q", label), ErrUnknownEncoding),
			"use a WHATWG label such as utf-8, utf-16le, windows-1250 or iso-8859-2",
		)
	}
	return transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())), nil
}
