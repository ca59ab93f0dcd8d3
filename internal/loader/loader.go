// Package loader streams selected CSV rows into SQL Server through the
// go-mssqldb bulk copy protocol.
package loader

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/amruta255/CSVImport/internal/db"
)

// DefaultBatchSize is used when Request.BatchSize is not positive.
const DefaultBatchSize = 5000

// RowSource is a pull-based row cursor (csvutil.Rows satisfies it).
type RowSource interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}

// Preparer prepares the bulk statement inside an open transaction.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (db.Stmt, error)
}

// Progress is a snapshot emitted after every full batch.
type Progress struct {
	Rows    int64
	Elapsed time.Duration
}

// ProgressFunc receives progress snapshots. It is advisory: a panic inside it
// is recovered and logged.
type ProgressFunc func(Progress)

// Request describes one bulk load.
type Request struct {
	Table      string   // quoted, schema-qualified name, e.g. [dbo].[t1]
	Columns    []string // destination column names, mapped by name
	Source     RowSource
	BatchSize  int
	OnProgress ProgressFunc
}

// Result summarizes a finished load.
type Result struct {
	Rows    int64 // rows pulled from Source and sent
	Batches int64
	Elapsed time.Duration
	// Digest is an xxh3 hash over every loaded value in order. Two loads of
	// the same selection from the same file produce the same digest.
	Digest uint64
}

// Loader runs bulk loads. The zero value is usable.
type Loader struct {
	Logger *zap.Logger
	Now    func() time.Time // for tests; defaults to time.Now
}

// Load streams req.Source into req.Table using a package default Loader.
func Load(ctx context.Context, tx Preparer, req Request) (Result, error) {
	return Loader{}.Load(ctx, tx, req)
}

// Load copies every row of req.Source into req.Table inside tx. The copy
// takes a table lock and flushes every BatchSize rows; the returned row count
// is what was read from the source, not what the server acknowledged.
func (l Loader) Load(ctx context.Context, tx Preparer, req Request) (Result, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}
	if req.Table == "" || len(req.Columns) == 0 || req.Source == nil {
		return Result{}, errors.New("loader: table, columns and source are required")
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	opts := mssql.BulkOptions{Tablock: true, RowsPerBatch: batch}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(req.Table, opts, req.Columns...))
	if err != nil {
		return Result{}, errors.Wrap(err, "prepare bulk copy")
	}
	defer stmt.Close()

	var (
		start = now()
		res   Result
		dig   = newDigest()
	)
	for req.Source.Next() {
		vals, err := req.Source.Values()
		if err != nil {
			return res, errors.Wrapf(err, "row %d", res.Rows+1)
		}
		if len(vals) != len(req.Columns) {
			return res, errors.Newf("row %d has %d values, want %d", res.Rows+1, len(vals), len(req.Columns))
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return res, errors.Wrapf(err, "bulk copy row %d", res.Rows+1)
		}
		dig.row(vals)
		res.Rows++

		if res.Rows%int64(batch) == 0 {
			res.Batches++
			report(log, req.OnProgress, Progress{Rows: res.Rows, Elapsed: now().Sub(start)})
			if err := ctx.Err(); err != nil {
				return res, errors.Wrap(err, "bulk copy interrupted")
			}
		}
	}
	if err := req.Source.Err(); err != nil {
		return res, errors.Wrapf(err, "read source after row %d", res.Rows)
	}
	if res.Rows%int64(batch) != 0 {
		res.Batches++
	}

	// A no-argument Exec flushes the remaining rows and ends the copy.
	out, err := stmt.ExecContext(ctx)
	if err != nil {
		return res, errors.Wrap(err, "finalize bulk copy")
	}
	if out != nil {
		if n, err := out.RowsAffected(); err == nil && n != res.Rows {
			log.Warn("server row count differs from rows sent",
				zap.String("table", req.Table),
				zap.Int64("sent", res.Rows),
				zap.Int64("server", n))
		}
	}

	res.Elapsed = now().Sub(start)
	res.Digest = dig.sum()
	log.Info("bulk copy finished",
		zap.String("table", req.Table),
		zap.Int64("rows", res.Rows),
		zap.Int64("batches", res.Batches),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// report calls fn and swallows any panic it raises.
func report(log *zap.Logger, fn ProgressFunc, p Progress) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("progress callback panicked", zap.Any("panic", r), zap.Int64("rows", p.Rows))
		}
	}()
	fn(p)
}

// digest hashes rows with explicit null and length framing so that
// ("ab","") and ("a","b") never collide.
type digest struct {
	h   *xxh3.Hasher
	buf []byte
}

func newDigest() *digest { return &digest{h: xxh3.New()} }

func (d *digest) row(vals []any) {
	d.buf = d.buf[:0]
	for _, v := range vals {
		switch s := v.(type) {
		case nil:
			d.buf = append(d.buf, 0)
		case string:
			d.buf = append(d.buf, 1)
			d.buf = binary.AppendUvarint(d.buf, uint64(len(s)))
			d.buf = append(d.buf, s...)
		default:
			txt := fmt.Sprint(s)
			d.buf = append(d.buf, 2)
			d.buf = binary.AppendUvarint(d.buf, uint64(len(txt)))
			d.buf = append(d.buf, txt...)
		}
	}
	d.buf = append(d.buf, '\n')
	_, _ = d.h.Write(d.buf)
}

func (d *digest) sum() uint64 { return d.h.Sum64() }
