package main

import (
	"bytes"
	"context"
	"database/sql/driver"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amruta255/CSVImport/internal/config"
	"github.com/amruta255/CSVImport/internal/csvutil"
	"github.com/amruta255/CSVImport/internal/db"
	"github.com/amruta255/CSVImport/internal/metrics/datadog"
	"github.com/amruta255/CSVImport/internal/metrics/prompush"
	"github.com/amruta255/CSVImport/internal/schema"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

type harness struct {
	env    map[string]string
	files  map[string]string
	stdin  string
	conn   db.Connector
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (h *harness) run(t *testing.T, args ...string) int {
	t.Helper()
	d := deps{
		getenv: func(k string) string { return h.env[k] },
		readFile: func(p string) ([]byte, error) {
			if s, ok := h.files[p]; ok {
				return []byte(s), nil
			}
			return nil, os.ErrNotExist
		},
		stdin:  strings.NewReader(h.stdin),
		stdout: &h.stdout,
		stderr: &h.stderr,
		connector: func(*config.Config) db.Connector {
			return h.conn
		},
	}
	return run(context.Background(), args, d)
}

func writeCSV(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

func sqlmockConnector(t *testing.T) (db.Connector, sqlmock.Sqlmock) {
	t.Helper()
	mdb, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db.ConnectorFunc(func(context.Context) (db.Conn, error) { return db.New(mdb), nil }), mock
}

var connFlags = []string{"--server=db.local", "--database=imports", "--user=sa", "--password=pw"}

func TestImport_EndToEnd(t *testing.T) {
	path := writeCSV(t, "Name,Email\nAlice,a@x.com\nBob,\n")
	conn, mock := sqlmockConnector(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").WithArgs("dbo", "t1").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(0))
	mock.ExpectExec(`CREATE TABLE \[dbo\]\.\[t1\]`).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("^INSERTBULK")
	prep.ExpectExec().WithArgs("Alice", "a@x.com").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("Bob", nil).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectClose()

	h := &harness{conn: conn}
	args := append([]string{"import", "--file", path, "--table=t1", "--columns=Name,Email"}, connFlags...)
	code := h.run(t, args...)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Contains(t, h.stdout.String(), "Created table [dbo].[t1]")
	assert.Contains(t, h.stdout.String(), "Imported 2 rows into [dbo].[t1]")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImport_PromptsForMissingValues(t *testing.T) {
	path := writeCSV(t, "Name\nAlice\n")
	conn, mock := sqlmockConnector(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").WithArgs("dbo", "people").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(1))
	mock.ExpectQuery("INFORMATION_SCHEMA.COLUMNS").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("Id").AddRow("Name").AddRow("ImportedAtUtc"))
	prep := mock.ExpectPrepare("^INSERTBULK")
	prep.ExpectExec().WithArgs("Alice").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	h := &harness{
		conn:  conn,
		stdin: path + "\n" + "secret\n" + "people\n" + "Name\n",
		files: map[string]string{config.DefaultSettingsFile: "server: db.local\ndatabase: imports\nuser: sa\n"},
	}
	code := h.run(t)
	require.Equal(t, 0, code, h.stderr.String())
	assert.Contains(t, h.stderr.String(), "CSV file path: ")
	assert.Contains(t, h.stderr.String(), "Password: ")
	assert.NotContains(t, h.stderr.String(), "SQL Server: ")
	assert.Contains(t, h.stdout.String(), "Imported 1 rows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImport_EnvironmentSuppliesEverything(t *testing.T) {
	path := writeCSV(t, "a;b\n1;2\n")
	conn, mock := sqlmockConnector(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").WithArgs("stage", "t2").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(0))
	mock.ExpectExec(`CREATE TABLE \[stage\]\.\[t2\]`).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("^INSERTBULK")
	prep.ExpectExec().WithArgs("2").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	h := &harness{conn: conn, env: map[string]string{
		"CSVIMPORT_FILE": path, "CSVIMPORT_SERVER": "db", "CSVIMPORT_DATABASE": "d",
		"CSVIMPORT_USER": "u", "CSVIMPORT_PASSWORD": "p", "CSVIMPORT_TABLE": "t2",
		"CSVIMPORT_COLUMNS": "b", "CSVIMPORT_SCHEMA": "stage", "CSVIMPORT_DELIMITER": ";",
	}}
	code := h.run(t)
	require.Equal(t, 0, code, h.stderr.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImport_ErrorPrefixes(t *testing.T) {
	path := writeCSV(t, "Name,Email\nAlice,a@x.com\n")

	t.Run("csv", func(t *testing.T) {
		h := &harness{conn: db.ConnectorFunc(func(context.Context) (db.Conn, error) {
			t.Fatal("connected despite a bad column")
			return nil, nil
		})}
		args := append([]string{"--file", path, "--table=t1", "--columns=Phone"}, connFlags...)
		require.Equal(t, 1, h.run(t, args...))
		assert.True(t, strings.HasPrefix(h.stderr.String(), "CSV error: "), h.stderr.String())
		assert.Contains(t, h.stderr.String(), "available headers: Name, Email")
		assert.Contains(t, h.stderr.String(), "hint:")
	})

	t.Run("sql", func(t *testing.T) {
		conn, mock := sqlmockConnector(t)
		mock.ExpectBegin()
		mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").
			WillReturnError(mssql.Error{Number: 229, Message: "The SELECT permission was denied"})
		mock.ExpectRollback()
		mock.ExpectClose()

		h := &harness{conn: conn}
		args := append([]string{"--file", path, "--table=t1", "--columns=Name"}, connFlags...)
		require.Equal(t, 1, h.run(t, args...))
		assert.True(t, strings.HasPrefix(h.stderr.String(), "SQL error: "), h.stderr.String())
		assert.Contains(t, h.stderr.String(), "permission was denied")
	})

	t.Run("connect failure", func(t *testing.T) {
		h := &harness{conn: db.ConnectorFunc(func(context.Context) (db.Conn, error) {
			return nil, errors.New("boom")
		})}
		args := append([]string{"--file", path, "--table=t1", "--columns=Name"}, connFlags...)
		require.Equal(t, 1, h.run(t, args...))
		assert.True(t, strings.HasPrefix(h.stderr.String(), "SQL error: "), h.stderr.String())
		assert.Contains(t, h.stderr.String(), "connect: boom")
	})

	t.Run("invalid table", func(t *testing.T) {
		conn, mock := sqlmockConnector(t)
		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectClose()

		h := &harness{conn: conn}
		args := append([]string{"--file", path, "--table=bad-name", "--columns=Name"}, connFlags...)
		require.Equal(t, 1, h.run(t, args...))
		assert.True(t, strings.HasPrefix(h.stderr.String(), "Input error: "), h.stderr.String())
		assert.Contains(t, h.stderr.String(), `invalid table name "bad-name"`)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing file", func(t *testing.T) {
		h := &harness{}
		args := append([]string{"--file", filepath.Join(t.TempDir(), "nope.csv"), "--table=t1", "--columns=Name"}, connFlags...)
		require.Equal(t, 1, h.run(t, args...))
		assert.True(t, strings.HasPrefix(h.stderr.String(), "CSV error: "), h.stderr.String())
	})

	t.Run("unanswered prompts", func(t *testing.T) {
		h := &harness{}
		require.Equal(t, 1, h.run(t, "--file", path))
		assert.True(t, strings.HasPrefix(h.stderr.String(), "Input error: "), h.stderr.String())
		assert.Contains(t, h.stderr.String(), "missing required settings: server, database, user, password, table, columns")
	})
}

func TestPreview(t *testing.T) {
	path := writeCSV(t, "Name,Email,Age\nAlice,a@x.com,30\nBob,,41\nCara,c@x.com,\n")
	h := &harness{}
	code := h.run(t, "preview", "--file", path, "--columns", "age,name", "-n", "2")
	require.Equal(t, 0, code, h.stderr.String())
	out := h.stdout.String()
	assert.Contains(t, out, "Age")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "Bob")
	assert.NotContains(t, out, "Cara")
}

func TestPlan(t *testing.T) {
	path := writeCSV(t, "Name,Email\nAlice,a@x.com\n")
	conn, mock := sqlmockConnector(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INFORMATION_SCHEMA.TABLES").WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(0))
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	h := &harness{conn: conn}
	args := append([]string{"plan", "--file", path, "--table=t1", "--columns=Name,Email"}, connFlags...)
	require.Equal(t, 0, h.run(t, args...), h.stderr.String())
	assert.Contains(t, h.stdout.String(), "CREATE TABLE [dbo].[t1]")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorPrefix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{&csvutil.ParseError{StartLine: 2, Line: 3, Err: csvutil.ErrUnterminatedQuote}, "CSV error:"},
		{errors.Wrap(&csvutil.HeaderError{Kind: csvutil.ErrEmptyFile}, "import"), "CSV error:"},
		{&schema.IdentifierError{Kind: "table", Name: "a b", Reason: "bad"}, "Input error:"},
		{errors.Wrap(&schema.IdentifierError{Kind: "schema", Name: "x-y", Reason: "bad"}, "ensure table"), "Input error:"},
		{&schema.IdentifierError{Kind: "column", Name: "a b", Reason: "bad"}, "CSV error:"},
		{markInput(errors.New("missing required settings: table")), "Input error:"},
		{errors.Mark(errors.New("x"), csvutil.ErrUnknownEncoding), "CSV error:"},
		{errors.Wrap(mssql.Error{Number: 2627}, "commit"), "SQL error:"},
		{errors.Wrap(errors.Wrap(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, "ping"), "connect"), "SQL error:"},
		{errors.Wrap(context.DeadlineExceeded, "bulk copy row 10"), "SQL error:"},
		{errors.Wrap(driver.ErrBadConn, "begin tx"), "SQL error:"},
		{errors.Mark(errors.New("ping: login failed"), db.ErrStorage), "SQL error:"},
		{errors.Wrap(context.Canceled, "import"), "Unexpected error:"},
		{errors.New("boom"), "Unexpected error:"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errorPrefix(c.err), "%v", c.err)
	}
}

func TestMetricsBackend(t *testing.T) {
	t.Parallel()
	log := zap.NewNop()
	assert.Nil(t, metricsBackend(&config.Config{}, log))
	assert.Nil(t, metricsBackend(&config.Config{MetricsBackend: "none", PushgatewayURL: "http://pg:9091"}, log))

	pg := metricsBackend(&config.Config{PushgatewayURL: "http://pg:9091"}, log)
	require.NotNil(t, pg)
	assert.IsType(t, &prompush.Backend{}, pg)

	dd := metricsBackend(&config.Config{StatsdAddr: "127.0.0.1:8125"}, log)
	require.NotNil(t, dd)
	assert.IsType(t, &datadog.Backend{}, dd)
	require.NoError(t, dd.Flush())
}
