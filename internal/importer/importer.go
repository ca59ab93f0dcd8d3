// Package importer runs one CSV file into one SQL Server table: header
// resolution, schema reconciliation and bulk load, with the database part
// retried as a single transaction.
//
// Reconciliation DDL runs in the same transaction as the load, so a retried
// attempt starts from the original schema. That holds on SQL Server, whose
// DDL is transactional; it is not a property of every engine.
package importer

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amruta255/CSVImport/internal/csvutil"
	"github.com/amruta255/CSVImport/internal/db"
	"github.com/amruta255/CSVImport/internal/loader"
	"github.com/amruta255/CSVImport/internal/logging"
	"github.com/amruta255/CSVImport/internal/metrics"
	"github.com/amruta255/CSVImport/internal/retry"
	"github.com/amruta255/CSVImport/internal/schema"
	"github.com/amruta255/CSVImport/internal/source"
)

// Job names what to import.
type Job struct {
	Path    string
	Table   string
	Columns []string
}

// Summary describes a committed import.
type Summary struct {
	RunID        string
	Rows         int64
	Batches      int64
	Attempts     int
	Created      bool
	AddedColumns []string
	Columns      []string // destination spelling, in load order
	Elapsed      time.Duration
	Digest       uint64
}

// Importer wires the pipeline together. Connector is required; the rest
// have defaults.
type Importer struct {
	// Opener supplies the input. nil opens Job.Path from disk with Encoding.
	Opener   source.Opener
	Encoding string
	// CSVOptions configure the delimiter and quote.
	CSVOptions []csvutil.Option

	Connector  db.Connector
	Reconciler schema.Reconciler
	Policy     retry.Policy

	BatchSize      int
	AttemptTimeout time.Duration // per attempt; zero means none

	Logger     *zap.Logger
	OnProgress loader.ProgressFunc
	NewRunID   func() string
}

func (im *Importer) log() *zap.Logger { return logging.OrNop(im.Logger) }

func (im *Importer) opener(job Job) source.Opener {
	if im.Opener != nil {
		return im.Opener
	}
	return source.FileOpener{Path: job.Path, Encoding: im.Encoding}
}

func (im *Importer) schemaName() string {
	if im.Reconciler.Schema == "" {
		return schema.DefaultSchema
	}
	return im.Reconciler.Schema
}

// Resolve reads the header of the job's input and maps the requested columns
// onto it. It touches no database.
func (im *Importer) Resolve(job Job) (csvutil.Header, csvutil.Selection, error) {
	rc, err := im.opener(job).Open()
	if err != nil {
		return csvutil.Header{}, nil, err
	}
	defer rc.Close()

	h, err := csvutil.ReadHeader(csvutil.NewReader(rc, im.CSVOptions...))
	if err != nil {
		return csvutil.Header{}, nil, err
	}
	sel, err := csvutil.Resolve(h, job.Columns)
	if err != nil {
		return h, nil, err
	}
	return h, sel, nil
}

// Run imports job. Input problems are reported before any connection is
// made. The database work (reconcile, load, commit) is one transaction per
// attempt; transient failures roll it back and try again on a fresh
// connection, re-reading the input from the start.
func (im *Importer) Run(ctx context.Context, job Job) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	if im.NewRunID != nil {
		runID = im.NewRunID()
	}
	log := im.log().With(zap.String("run_id", runID), zap.String("table", job.Table))

	sum, err := im.run(ctx, log, job)
	sum.RunID = runID
	sum.Elapsed = time.Since(start)
	metrics.RecordImport(job.Table, err, sum.Elapsed)
	if err != nil {
		log.Error("import failed", zap.Int("attempts", sum.Attempts), zap.Error(err))
		return sum, err
	}
	metrics.RecordRows(job.Table, sum.Rows)
	metrics.RecordBatches(job.Table, sum.Batches)
	log.Info("import committed",
		zap.Int64("rows", sum.Rows),
		zap.Int("attempts", sum.Attempts),
		zap.Duration("elapsed", sum.Elapsed))
	return sum, nil
}

func (im *Importer) run(ctx context.Context, log *zap.Logger, job Job) (Summary, error) {
	_, sel, err := im.Resolve(job)
	if err != nil {
		return Summary{}, err
	}
	if im.Connector == nil {
		return Summary{}, errors.New("importer: no database connector")
	}
	log.Debug("columns resolved", zap.Strings("columns", sel.Names()))

	classifier := im.Policy.Classifier
	if classifier == nil {
		classifier = retry.SQLServerClassifier{}
	}
	policy := im.Policy
	policy.Classifier = classifier
	onRetry := policy.OnRetry
	policy.OnRetry = func(n int, err error, delay time.Duration) {
		log.Warn("transient failure, retrying",
			zap.Int("retry", n),
			zap.Duration("delay", delay),
			zap.Error(err))
		if onRetry != nil {
			onRetry(n, err, delay)
		}
	}

	attempts := 0
	sum, err := retry.Do(ctx, policy, func(ctx context.Context) (Summary, error) {
		attempts++
		s, err := im.attempt(ctx, log.With(zap.Int("attempt", attempts)), job, sel)
		outcome := "success"
		if err != nil {
			outcome = classifier.Classify(err).String()
		}
		metrics.RecordAttempt(job.Table, outcome)
		return s, err
	})
	sum.Attempts = attempts
	return sum, err
}

// attempt is the retried unit of work.
func (im *Importer) attempt(ctx context.Context, log *zap.Logger, job Job, sel csvutil.Selection) (Summary, error) {
	if im.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, im.AttemptTimeout)
		defer cancel()
	}

	conn, err := im.Connector.Connect(ctx)
	if err != nil {
		return Summary{}, errors.Mark(errors.Wrap(err, "connect"), db.ErrStorage)
	}
	defer closeQuietly(log, "connection", conn)

	tx, err := conn.BeginTx(ctx)
	if err != nil {
		return Summary{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !isTxDone(rbErr) {
			log.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	rec := im.Reconciler
	rec.Logger = log
	sres, err := rec.EnsureTable(ctx, tx, job.Table, sel.Names())
	if err != nil {
		return Summary{}, err
	}

	rc, err := im.opener(job).Open()
	if err != nil {
		return Summary{}, err
	}
	defer closeQuietly(log, "input", rc)

	rows, err := csvutil.NewRows(rc, sel, im.CSVOptions...)
	if err != nil {
		return Summary{}, err
	}

	lres, err := loader.Loader{Logger: log}.Load(ctx, tx, loader.Request{
		Table:      schema.QuoteFQN(im.schemaName(), job.Table),
		Columns:    sres.Columns,
		Source:     rows,
		BatchSize:  im.BatchSize,
		OnProgress: im.OnProgress,
	})
	if err != nil {
		return Summary{}, err
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, errors.Mark(errors.Wrap(err, "commit"), db.ErrStorage)
	}
	committed = true

	return Summary{
		Rows:         lres.Rows,
		Batches:      lres.Batches,
		Created:      sres.Created,
		AddedColumns: sres.Added,
		Columns:      sres.Columns,
		Digest:       lres.Digest,
	}, nil
}

// Plan reports the DDL an import of job would run, without changing
// anything: the reconciliation happens in a transaction that is always
// rolled back.
func (im *Importer) Plan(ctx context.Context, job Job) (schema.Result, error) {
	_, sel, err := im.Resolve(job)
	if err != nil {
		return schema.Result{}, err
	}
	if im.Connector == nil {
		return schema.Result{}, errors.New("importer: no database connector")
	}
	log := im.log().With(zap.String("table", job.Table))

	conn, err := im.Connector.Connect(ctx)
	if err != nil {
		return schema.Result{}, errors.Mark(errors.Wrap(err, "connect"), db.ErrStorage)
	}
	defer closeQuietly(log, "connection", conn)

	tx, err := conn.BeginTx(ctx)
	if err != nil {
		return schema.Result{}, err
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !isTxDone(rbErr) {
			log.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	rec := im.Reconciler
	rec.Logger = log
	return rec.EnsureTable(ctx, tx, job.Table, sel.Names())
}

// Preview returns the selected header names and up to n data rows.
func (im *Importer) Preview(job Job, n int) ([]string, [][]any, error) {
	_, sel, err := im.Resolve(job)
	if err != nil {
		return nil, nil, err
	}
	rc, err := im.opener(job).Open()
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	rows, err := csvutil.NewRows(rc, sel, im.CSVOptions...)
	if err != nil {
		return nil, nil, err
	}
	var out [][]any
	for len(out) < n && rows.Next() {
		vals, _ := rows.Values()
		out = append(out, append([]any(nil), vals...))
	}
	return sel.Names(), out, rows.Err()
}

func closeQuietly(log *zap.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Debug("close failed", zap.String("what", what), zap.Error(err))
	}
}

// isTxDone reports whether err only says the transaction already finished,
// as happens when rolling back after a failed commit.
func isTxDone(err error) bool { return errors.Is(err, sql.ErrTxDone) }
