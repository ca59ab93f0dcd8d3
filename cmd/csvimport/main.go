// Command csvimport loads selected columns of a CSV file into a SQL Server
// table, creating or widening the table as needed.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	mssql "github.com/microsoft/go-mssqldb"
	"golang.org/x/term"

	"github.com/amruta255/CSVImport/internal/config"
	"github.com/amruta255/CSVImport/internal/csvutil"
	"github.com/amruta255/CSVImport/internal/db"
	"github.com/amruta255/CSVImport/internal/retry"
	"github.com/amruta255/CSVImport/internal/schema"
)

// deps are the process-level collaborators, swapped out in tests.
type deps struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	// readPassword reads a line without echo; nil reads it like any other
	// answer.
	readPassword func() (string, error)
	connector    func(cfg *config.Config) db.Connector
}

func defaultDeps() deps {
	d := deps{
		getenv:   os.Getenv,
		readFile: os.ReadFile,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		connector: func(cfg *config.Config) db.Connector {
			return db.DSNConnector{DSN: cfg.DSN()}
		},
	}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		d.readPassword = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			return string(b), err
		}
	}
	return d
}

func main() {
	config.LoadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, d deps) int {
	if args == nil {
		args = []string{} // cobra falls back to os.Args on nil
	}
	root := newRootCmd(d)
	root.SetArgs(args)
	root.SetIn(d.stdin)
	root.SetOut(d.stdout)
	root.SetErr(d.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		reportError(d.stderr, err)
		return 1
	}
	return 0
}

// reportError prints err with a prefix naming its origin.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", errorPrefix(err), err)
	for _, h := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "  hint: %s\n", h)
	}
}

// errInput marks operator-supplied settings that failed validation.
var errInput = errors.New("invalid input")

func markInput(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errInput)
}

func errorPrefix(err error) string {
	var (
		pe *csvutil.ParseError
		he *csvutil.HeaderError
		ie *schema.IdentifierError
		me mssql.Error
	)
	switch {
	case errors.As(err, &ie):
		// Column names come from the header; table and schema from the operator.
		if ie.Kind == "column" {
			return "CSV error:"
		}
		return "Input error:"
	case errors.Is(err, errInput):
		return "Input error:"
	case errors.As(err, &pe), errors.As(err, &he),
		errors.Is(err, csvutil.ErrUnknownEncoding), errors.Is(err, os.ErrNotExist):
		return "CSV error:"
	case errors.As(err, &me), errors.Is(err, db.ErrStorage),
		retry.SQLServerClassifier{}.Classify(err) == retry.Transient:
		return "SQL error:"
	default:
		return "Unexpected error:"
	}
}

// prompter asks for values on an interactive stream.
type prompter struct {
	in           *bufio.Reader
	out          io.Writer
	readPassword func() (string, error)
}

var promptLabels = map[string]string{
	"file":     "CSV file path",
	"server":   "SQL Server",
	"database": "Database",
	"user":     "User",
	"password": "Password",
	"table":    "Target table",
	"columns":  "Columns (comma-separated)",
}

// fill prompts for each named setting that cfg is missing. An exhausted
// input stream leaves the rest empty for Validate to report.
func (p *prompter) fill(cfg *config.Config, names []string) error {
	for _, name := range names {
		fmt.Fprintf(p.out, "%s: ", promptLabels[name])

		var (
			v   string
			err error
		)
		if name == "password" && p.readPassword != nil {
			v, err = p.readPassword()
		} else {
			v, err = p.in.ReadString('\n')
			if errors.Is(err, io.EOF) && v != "" {
				err = nil
			}
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(p.out)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		v = strings.TrimRight(v, "\r\n")
		if name != "password" {
			v = strings.TrimSpace(v)
		}
		set(cfg, name, v)
	}
	return nil
}

func set(cfg *config.Config, name, v string) {
	switch name {
	case "file":
		cfg.File = v
	case "server":
		cfg.Server = v
	case "database":
		cfg.Database = v
	case "user":
		cfg.User = v
	case "password":
		cfg.Password = v
	case "table":
		cfg.Table = v
	case "columns":
		cfg.Columns = v
	}
}
