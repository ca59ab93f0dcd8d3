package schema

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// MaxIdentifierLen is the length of a SQL Server sysname.
const MaxIdentifierLen = 128

// ErrInvalidIdentifier marks every identifier rejection.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// IdentifierError reports a table, schema or column name that cannot be used.
// It is never retried.
type IdentifierError struct {
	Kind   string // "table", "schema" or "column"
	Name   string
	Reason string
}

func (e *IdentifierError) Error() string {
	return fmt.Sprintf("invalid %s name %q: %s", e.Kind, e.Name, e.Reason)
}

func (e *IdentifierError) Unwrap() error { return ErrInvalidIdentifier }

// ValidIdentifier checks name against the allowed grammar: ASCII letters,
// digits and underscore, at most MaxIdentifierLen characters.
func ValidIdentifier(name string) error {
	return validate("identifier", name)
}

func validate(kind, name string) error {
	switch {
	case name == "":
		return &IdentifierError{Kind: kind, Name: name, Reason: "must not be empty"}
	case utf8.RuneCountInString(name) > MaxIdentifierLen:
		return &IdentifierError{Kind: kind, Name: name,
			Reason: fmt.Sprintf("longer than %d characters", MaxIdentifierLen)}
	case !identRe.MatchString(name):
		return &IdentifierError{Kind: kind, Name: name,
			Reason: "only letters, digits and underscore are allowed"}
	}
	return nil
}

// QuoteIdent brackets a single identifier, doubling any closing bracket.
//
//	name      -> [name]
//	weird]id  -> [weird]]id]
func QuoteIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

// QuoteFQN quotes a schema-qualified table name: [schema].[table].
func QuoteFQN(schema, table string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}
