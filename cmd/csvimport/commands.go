package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amruta255/CSVImport/internal/config"
	"github.com/amruta255/CSVImport/internal/csvutil"
	"github.com/amruta255/CSVImport/internal/importer"
	"github.com/amruta255/CSVImport/internal/loader"
	"github.com/amruta255/CSVImport/internal/logging"
	"github.com/amruta255/CSVImport/internal/metrics"
	"github.com/amruta255/CSVImport/internal/metrics/datadog"
	"github.com/amruta255/CSVImport/internal/metrics/prompush"
	"github.com/amruta255/CSVImport/internal/retry"
	"github.com/amruta255/CSVImport/internal/schema"
)

const (
	defaultPreviewRows = 10
	metricsJob         = "csvimport"
)

// dbSettings are the values an import or plan cannot run without.
var dbSettings = []string{"file", "server", "database", "user", "password", "table", "columns"}

func newRootCmd(d deps) *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:   "csvimport",
		Short: "Import CSV columns into a SQL Server table",
		Long: "Reads a delimited file, makes sure the destination table has every selected column\n" +
			"and bulk-loads the rows in one transaction, retrying transient SQL Server failures.\n" +
			"Missing settings are taken from CSVIMPORT_* variables, the settings file or a prompt.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.Complete(cmd.Flags(), d.readFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, cfg, d)
		},
	}
	cfg = config.Bind(root.PersistentFlags(), d.getenv)

	root.AddCommand(
		&cobra.Command{
			Use:   "import",
			Short: "Import the file (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runImport(cmd, cfg, d)
			},
		},
		newPreviewCmd(&cfg, d),
		&cobra.Command{
			Use:   "plan",
			Short: "Show the DDL an import would run, without changing anything",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPlan(cmd, cfg, d)
			},
		},
	)
	return root
}

func newPreviewCmd(cfg **config.Config, d deps) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the selected columns of the first rows; no database needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPreview(cmd, *cfg, d, n)
		},
	}
	cmd.Flags().IntVarP(&n, "rows", "n", defaultPreviewRows, "Number of data rows to show")
	return cmd
}

// prepare prompts for the named settings that are still empty, validates
// the result and builds the logger.
func prepare(cmd *cobra.Command, cfg *config.Config, d deps, required []string) (*zap.Logger, error) {
	var missing []string
	for _, m := range cfg.Missing() {
		for _, r := range required {
			if m == r {
				missing = append(missing, m)
			}
		}
	}
	if len(missing) > 0 {
		p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr(), readPassword: d.readPassword}
		if err := p.fill(cfg, missing); err != nil {
			return nil, err
		}
	}
	if err := validate(cfg, required); err != nil {
		return nil, err
	}
	return logging.New(logging.Options{JSON: cfg.LogJSON, Verbose: cfg.Verbose, Output: cmd.ErrOrStderr()})
}

// validate runs the full check only when every setting is required; preview
// needs just the file, the columns and a sane delimiter.
func validate(cfg *config.Config, required []string) error {
	if len(required) == len(dbSettings) {
		return markInput(cfg.Validate())
	}
	local := *cfg
	local.Server, local.Database, local.User, local.Password, local.Table = "-", "-", "-", "-", "-"
	return markInput(local.Validate())
}

func newImporter(cfg *config.Config, d deps, log *zap.Logger, out io.Writer) (*importer.Importer, error) {
	delim, err := cfg.DelimiterRune()
	if err != nil {
		return nil, err
	}
	im := &importer.Importer{
		Encoding:   cfg.Encoding,
		CSVOptions: []csvutil.Option{csvutil.WithDelimiter(delim)},
		Reconciler: schema.Reconciler{Schema: cfg.Schema},
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			OnRetry: func(n int, err error, delay time.Duration) {
				pterm.Fprintln(out, pterm.Warning.Sprintf("Transient failure (%v); retry %d of %d in %s",
					err, n, cfg.MaxRetries, delay.Truncate(time.Millisecond)))
			},
		},
		BatchSize:      cfg.BatchSize,
		AttemptTimeout: cfg.AttemptTimeout,
		Logger:         log,
		OnProgress: func(p loader.Progress) {
			pterm.Fprintln(out, pterm.Info.Sprintf("%d rows copied (%s)", p.Rows, p.Elapsed.Truncate(time.Millisecond)))
		},
	}
	if d.connector != nil {
		im.Connector = d.connector(cfg)
	}
	return im, nil
}

func job(cfg *config.Config) importer.Job {
	return importer.Job{Path: cfg.File, Table: cfg.Table, Columns: cfg.ColumnList()}
}

func runImport(cmd *cobra.Command, cfg *config.Config, d deps) error {
	log, err := prepare(cmd, cfg, d, dbSettings)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if b := metricsBackend(cfg, log); b != nil {
		metrics.SetBackend(b)
		defer func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics flush failed", zap.Error(err))
			}
		}()
	}

	out := cmd.OutOrStdout()
	im, err := newImporter(cfg, d, log, out)
	if err != nil {
		return err
	}
	log.Debug("importing", zap.String("file", cfg.File), zap.String("target", cfg.Redacted()))

	sum, err := im.Run(contextOf(cmd), job(cfg))
	if err != nil {
		return err
	}
	if sum.Created {
		pterm.Fprintln(out, pterm.Info.Sprintf("Created table %s", schema.QuoteFQN(cfg.Schema, cfg.Table)))
	} else if len(sum.AddedColumns) > 0 {
		pterm.Fprintln(out, pterm.Info.Sprintf("Added columns: %v", sum.AddedColumns))
	}
	pterm.Fprintln(out, pterm.Success.Sprintf("Imported %d rows into %s in %s (%d attempt(s), run %s)",
		sum.Rows, schema.QuoteFQN(cfg.Schema, cfg.Table), sum.Elapsed.Truncate(time.Millisecond), sum.Attempts, sum.RunID))
	return nil
}

// metricsBackend builds the configured backend, or nil for none. A backend
// that cannot be built is logged and skipped; metrics never fail an import.
func metricsBackend(cfg *config.Config, log *zap.Logger) metrics.Backend {
	name, _ := cfg.Metrics()
	var (
		b   metrics.Backend
		err error
	)
	switch name {
	case "pushgateway":
		b, err = prompush.NewBackend(metricsJob, cfg.PushgatewayURL)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{Addr: cfg.StatsdAddr, GlobalTags: []string{"service:" + metricsJob}})
	default:
		return nil
	}
	if err != nil {
		log.Warn("metrics disabled", zap.String("backend", name), zap.Error(err))
		return nil
	}
	log.Debug("metrics enabled", zap.String("backend", name))
	return b
}

func runPlan(cmd *cobra.Command, cfg *config.Config, d deps) error {
	log, err := prepare(cmd, cfg, d, dbSettings)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	out := cmd.OutOrStdout()
	im, err := newImporter(cfg, d, log, out)
	if err != nil {
		return err
	}
	res, err := im.Plan(contextOf(cmd), job(cfg))
	if err != nil {
		return err
	}
	if len(res.Statements) == 0 {
		pterm.Fprintln(out, pterm.Success.Sprintf("%s already has every selected column", schema.QuoteFQN(cfg.Schema, cfg.Table)))
		return nil
	}
	for _, s := range res.Statements {
		fmt.Fprintln(out, s)
	}
	return nil
}

func runPreview(cmd *cobra.Command, cfg *config.Config, d deps, n int) error {
	log, err := prepare(cmd, cfg, d, []string{"file", "columns"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	out := cmd.OutOrStdout()
	im, err := newImporter(cfg, deps{}, log, out)
	if err != nil {
		return err
	}
	names, rows, err := im.Preview(job(cfg), n)
	if err != nil {
		return err
	}

	data := pterm.TableData{names}
	for _, r := range rows {
		line := make([]string, len(r))
		for i, v := range r {
			if v == nil {
				line[i] = "NULL"
				continue
			}
			line[i] = fmt.Sprint(v)
		}
		data = append(data, line)
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, table)
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
