package csvutil

import (
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

// readAll drains r and fails the test on any non-EOF error.
func readAll(t *testing.T, r *Reader) [][]string {
	t.Helper()
	var out [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Read: unexpected err: %v", err)
		}
		out = append(out, rec)
	}
}

func TestReader_Read(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want [][]string
	}{
		{"simple LF", "a,b,c\n1,2,3\n", [][]string{{"a", "b", "c"}, {"1", "2", "3"}}},
		{"CRLF", "a,b\r\nc,d\r\n", [][]string{{"a", "b"}, {"c", "d"}}},
		{"lone CR", "a\rb\n", [][]string{{"a"}, {"b"}}},
		{"last line without terminator", "x,y,z", [][]string{{"x", "y", "z"}}},
		{"trailing delimiter", "a,\n", [][]string{{"a", ""}}},
		{"empty line", "a\n\nb\n", [][]string{{"a"}, {""}, {"b"}}},
		{"quoted delimiter", "\"x,y\",z\n", [][]string{{"x,y", "z"}}},
		{"quoted newline", "\"l1\nl2\",z\n", [][]string{{"l1\nl2", "z"}}},
		{"quoted CRLF", "\"l1\r\nl2\"\r\n", [][]string{{"l1\r\nl2"}}},
		{"doubled quote", "\"a\"\"b\"\n", [][]string{{"a\"b"}}},
		{"text after closing quote", "\"ab\"cd,e\n", [][]string{{"abcd", "e"}}},
		{"quote mid field", "ab\"c,d\"e\n", [][]string{{"abc,de"}}},
		{"closing quote at EOF", "\"a\"", [][]string{{"a"}}},
		{"empty quoted field", "\"\",x\n", [][]string{{"", "x"}}},
		{"ragged rows", "a,b,c\n1\n", [][]string{{"a", "b", "c"}, {"1"}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := readAll(t, NewReader(strings.NewReader(tc.in)))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Read(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestReader_EmptyInputIsEOF(t *testing.T) {
	t.Parallel()
	r := NewReader(strings.NewReader(""))
	if _, err := r.Read(); err != io.EOF {
		t.Fatalf("Read on empty input: err = %v, want io.EOF", err)
	}
	// stays at EOF
	if _, err := r.Read(); err != io.EOF {
		t.Fatalf("second Read: err = %v, want io.EOF", err)
	}
}

func TestReader_UnterminatedQuote(t *testing.T) {
	t.Parallel()
	r := NewReader(strings.NewReader("ok\n\"abc\ndef"))
	if _, err := r.Read(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	_, err := r.Read()
	if !errors.Is(err, ErrUnterminatedQuote) {
		t.Fatalf("err = %v, want ErrUnterminatedQuote", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err %T is not *ParseError", err)
	}
	if pe.StartLine != 2 || pe.Line != 3 {
		t.Fatalf("ParseError lines = (%d,%d), want (2,3)", pe.StartLine, pe.Line)
	}
}

func TestReader_CarriageReturnsInsideQuotesCountLines(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name            string
		in              string
		start, line     int
		firstFieldValue string
	}{
		{"lone CR", "\"a\rb\"\n\"x\r\ry", 3, 5, "a\rb"},
		{"CRLF once", "\"a\r\nb\"\n\"z", 3, 3, "a\r\nb"},
		{"mixed", "\"a\r\n\rb\n\"\r\"q", 5, 5, "a\r\n\rb\n"},
	}
	for _, c := range cases {
		r := NewReader(strings.NewReader(c.in))
		rec, err := r.Read()
		if err != nil {
			t.Fatalf("%s: first record: %v", c.name, err)
		}
		if rec[0] != c.firstFieldValue {
			t.Fatalf("%s: first field = %q, want %q", c.name, rec[0], c.firstFieldValue)
		}
		_, err = r.Read()
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: err = %v, want *ParseError", c.name, err)
		}
		if pe.StartLine != c.start || pe.Line != c.line {
			t.Fatalf("%s: ParseError lines = (%d,%d), want (%d,%d)", c.name, pe.StartLine, pe.Line, c.start, c.line)
		}
	}
}

func TestReader_LineTracksRecordStart(t *testing.T) {
	t.Parallel()
	r := NewReader(strings.NewReader("h\n\"a\nb\"\nc\r\nd\r"))
	wantLines := []int{1, 2, 4, 5}
	for i, want := range wantLines {
		if _, err := r.Read(); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got := r.Line(); got != want {
			t.Fatalf("record %d: Line() = %d, want %d", i, got, want)
		}
	}
	if _, err := r.Read(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReader_CustomDialect(t *testing.T) {
	t.Parallel()
	r := NewReader(strings.NewReader("a;'b;c';'it''s'\n"), WithDelimiter(';'), WithQuote('\''))
	got := readAll(t, r)
	want := [][]string{{"a", "b;c", "it's"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReader_InvalidDialect(t *testing.T) {
	t.Parallel()
	for _, opts := range [][]Option{
		{WithDelimiter('"')},
		{WithDelimiter('\n')},
		{WithQuote('\r')},
		{WithDelimiter(0)},
	} {
		r := NewReader(strings.NewReader("a,b\n"), opts...)
		if _, err := r.Read(); !errors.Is(err, errInvalidDialect) {
			t.Fatalf("err = %v, want errInvalidDialect", err)
		}
	}
}

func TestStep_Transitions(t *testing.T) {
	t.Parallel()
	r := NewReader(strings.NewReader(""))
	cases := []struct {
		from    state
		in      rune
		to      state
		wantAct action
	}{
		{stateUnquoted, 'x', stateUnquoted, actAppend},
		{stateUnquoted, '"', stateQuoted, actSkip},
		{stateUnquoted, ',', stateUnquoted, actEndField},
		{stateUnquoted, '\n', stateUnquoted, actEndRecord},
		{stateUnquoted, '\r', stateUnquoted, actEndRecord},
		{stateQuoted, ',', stateQuoted, actAppend},
		{stateQuoted, '\n', stateQuoted, actAppend},
		{stateQuoted, '"', stateQuoteInQuoted, actSkip},
		{stateQuoteInQuoted, '"', stateQuoted, actAppend},
		{stateQuoteInQuoted, ',', stateUnquoted, actEndField},
		{stateQuoteInQuoted, '\r', stateUnquoted, actEndRecord},
		{stateQuoteInQuoted, 'z', stateUnquoted, actAppend},
	}
	for _, c := range cases {
		to, act := r.step(c.from, c.in)
		if to != c.to || act != c.wantAct {
			t.Fatalf("step(%v, %q) = (%v, %d), want (%v, %d)", c.from, c.in, to, act, c.to, c.wantAct)
		}
	}
}

func TestFormatRecord_ReadsBack(t *testing.T) {
	t.Parallel()
	records := [][]string{
		{"plain", "has,comma", "has\"quote", "multi\nline", "cr\rlf", ""},
		{" padded ", "\"\"", "x"},
	}
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(FormatRecord(rec, ',', '"'))
		sb.WriteString("\r\n")
	}
	got := readAll(t, NewReader(strings.NewReader(sb.String())))
	if !reflect.DeepEqual(got, records) {
		t.Fatalf("round trip = %q, want %q", got, records)
	}
}

func TestFormatRecord_QuotesOnlyWhenNeeded(t *testing.T) {
	t.Parallel()
	got := FormatRecord([]string{"a", "b c", "d;e"}, ';', '"')
	if want := "a;b c;\"d;e\""; got != want {
		t.Fatalf("FormatRecord = %q, want %q", got, want)
	}
}
