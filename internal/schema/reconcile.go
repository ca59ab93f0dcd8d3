// Package schema makes a destination table's column set a superset of the
// columns an import needs. Tables are created with an identity key and an
// import timestamp; existing tables only ever gain columns.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// DefaultSchema is used when Reconciler.Schema is empty.
	DefaultSchema = "dbo"

	IDColumn        = "Id"
	TimestampColumn = "ImportedAtUtc"

	dataType = "NVARCHAR(MAX) NULL"
)

// Querier is the transaction surface the reconciler needs. *sql.Tx and
// db.Tx both satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Result describes what EnsureTable did.
type Result struct {
	Created bool
	Added   []string // columns created or appended, in order
	// Columns holds the destination spelling of every requested column, in
	// request order. Bulk copy maps names exactly, so callers load into these.
	Columns    []string
	Statements []string // DDL executed, empty when the table was already complete
}

// Reconciler creates or extends tables in one schema.
type Reconciler struct {
	Schema string
	Logger *zap.Logger
}

func (r Reconciler) schema() string {
	if r.Schema == "" {
		return DefaultSchema
	}
	return r.Schema
}

func (r Reconciler) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

const (
	tableExistsSQL = `SELECT COUNT(1) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`
	columnsSQL     = `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`
)

// EnsureTable makes table contain every column in columns, running inside tx.
// All names are validated before any SQL is built. A second call with the
// same arguments executes no DDL.
func (r Reconciler) EnsureTable(ctx context.Context, tx Querier, table string, columns []string) (Result, error) {
	schema := r.schema()
	if err := checkNames(schema, table, columns); err != nil {
		return Result{}, err
	}

	exists, err := tableExists(ctx, tx, schema, table)
	if err != nil {
		return Result{}, err
	}

	if !exists {
		stmt := BuildCreateTableSQL(schema, table, columns)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Result{}, errors.Wrapf(err, "create table %s", QuoteFQN(schema, table))
		}
		r.log().Info("created table",
			zap.String("table", QuoteFQN(schema, table)),
			zap.Int("columns", len(columns)))
		return Result{
			Created:    true,
			Added:      append([]string(nil), columns...),
			Columns:    append([]string(nil), columns...),
			Statements: []string{stmt},
		}, nil
	}

	existing, err := tableColumns(ctx, tx, schema, table)
	if err != nil {
		return Result{}, err
	}

	res := Result{Columns: make([]string, len(columns))}
	var missing []string
	for i, c := range columns {
		if have, ok := existing[strings.ToLower(c)]; ok {
			res.Columns[i] = have
			continue
		}
		res.Columns[i] = c
		missing = append(missing, c)
	}
	_, hasTimestamp := existing[strings.ToLower(TimestampColumn)]

	if len(missing) == 0 && hasTimestamp {
		r.log().Debug("table already has every column", zap.String("table", QuoteFQN(schema, table)))
		return res, nil
	}

	stmt := BuildAddColumnsSQL(schema, table, missing, !hasTimestamp)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return Result{}, errors.Wrapf(err, "alter table %s", QuoteFQN(schema, table))
	}
	res.Added = missing
	res.Statements = []string{stmt}
	r.log().Info("added columns",
		zap.String("table", QuoteFQN(schema, table)),
		zap.Strings("added", missing),
		zap.Bool("timestamp_added", !hasTimestamp))
	return res, nil
}

// checkNames applies the identifier grammar and the reserved-name rules.
func checkNames(schema, table string, columns []string) error {
	if err := validate("schema", schema); err != nil {
		return err
	}
	if err := validate("table", table); err != nil {
		return err
	}
	if n := len(constraintName(table)); n > MaxIdentifierLen {
		return &IdentifierError{Kind: "table", Name: table,
			Reason: fmt.Sprintf("default constraint name would be %d characters", n)}
	}
	if len(columns) == 0 {
		return &IdentifierError{Kind: "column", Reason: "at least one column is required"}
	}
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if err := validate("column", c); err != nil {
			return err
		}
		key := strings.ToLower(c)
		if key == strings.ToLower(IDColumn) || key == strings.ToLower(TimestampColumn) {
			return &IdentifierError{Kind: "column", Name: c, Reason: "name is reserved for the import table"}
		}
		if _, dup := seen[key]; dup {
			return &IdentifierError{Kind: "column", Name: c, Reason: "requested more than once"}
		}
		seen[key] = struct{}{}
	}
	return nil
}

func tableExists(ctx context.Context, tx Querier, schema, table string) (bool, error) {
	rows, err := tx.QueryContext(ctx, tableExistsSQL, schema, table)
	if err != nil {
		return false, errors.Wrap(err, "query table existence")
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, errors.Wrap(err, "scan table existence")
		}
	}
	if err := rows.Err(); err != nil {
		return false, errors.Wrap(err, "query table existence")
	}
	return n > 0, nil
}

// tableColumns maps lower-cased column names to their stored spelling.
func tableColumns(ctx context.Context, tx Querier, schema, table string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, columnsSQL, schema, table)
	if err != nil {
		return nil, errors.Wrap(err, "query table columns")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan table column")
		}
		out[strings.ToLower(name)] = name
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "query table columns")
	}
	return out, nil
}

func constraintName(table string) string {
	return "DF_" + table + "_" + TimestampColumn
}

func timestampColumnDef(table string) string {
	return fmt.Sprintf("%s DATETIME2 NOT NULL CONSTRAINT %s DEFAULT (SYSUTCDATETIME())",
		QuoteIdent(TimestampColumn), QuoteIdent(constraintName(table)))
}

// BuildCreateTableSQL renders the CREATE TABLE for a new import table:
//
//	CREATE TABLE [dbo].[t] (
//	  [Id] INT IDENTITY(1,1) NOT NULL PRIMARY KEY,
//	  [col] NVARCHAR(MAX) NULL,
//	  [ImportedAtUtc] DATETIME2 NOT NULL CONSTRAINT [DF_t_ImportedAtUtc] DEFAULT (SYSUTCDATETIME())
//	);
//
// Names are quoted but not validated.
func BuildCreateTableSQL(schema, table string, columns []string) string {
	defs := make([]string, 0, len(columns)+2)
	defs = append(defs, QuoteIdent(IDColumn)+" INT IDENTITY(1,1) NOT NULL PRIMARY KEY")
	for _, c := range columns {
		defs = append(defs, QuoteIdent(c)+" "+dataType)
	}
	defs = append(defs, timestampColumnDef(table))
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", QuoteFQN(schema, table), strings.Join(defs, ",\n  "))
}

// BuildAddColumnsSQL renders one ALTER TABLE ... ADD for the given columns,
// optionally appending the import timestamp column.
func BuildAddColumnsSQL(schema, table string, columns []string, withTimestamp bool) string {
	defs := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		defs = append(defs, QuoteIdent(c)+" "+dataType)
	}
	if withTimestamp {
		defs = append(defs, timestampColumnDef(table))
	}
	return fmt.Sprintf("ALTER TABLE %s ADD\n  %s;", QuoteFQN(schema, table), strings.Join(defs, ",\n  "))
}
