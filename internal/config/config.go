// Package config gathers import settings from flags, environment variables,
// a .env file and an optional settings file.
//
// Precedence, highest first:
//  1. explicit command-line flags;
//  2. CSVIMPORT_* environment variables (including values from .env), which
//     seed the flag defaults;
//  3. the settings file, for connection values that are still empty;
//  4. built-in defaults.
//
// For tests, LoadFromArgs keeps everything hermetic:
//
//	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
//	getenv := func(k string) string { return testEnv[k] }
//	cfg, err := config.LoadFromArgs(fs, getenv, []string{"--table=t1"})
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"

	"github.com/amruta255/CSVImport/internal/csvutil"
	"github.com/amruta255/CSVImport/internal/retry"
)

// EnvPrefix prefixes every environment variable read by Bind.
const EnvPrefix = "CSVIMPORT_"

// DefaultSettingsFile is read when --settings is not given. Its absence is
// not an error.
const DefaultSettingsFile = "appsettings.yaml"

// Config holds everything an import run needs.
type Config struct {
	File     string
	Server   string // host, host:port, host,port or host\instance
	Database string
	User     string
	Password string
	Table    string
	Columns  string // comma-separated
	Schema   string

	BatchSize      int
	MaxRetries     int
	AttemptTimeout time.Duration
	Delimiter      string
	Encoding       string

	Settings string

	LogJSON        bool
	Verbose        bool
	MetricsBackend string // "", "none", "pushgateway" or "datadog"; "" picks by address
	PushgatewayURL string
	StatsdAddr     string

	Encrypt                string
	TrustServerCertificate bool

	settingsExplicit bool
}

// Bind defines every flag on fs, seeding defaults from getenv. The returned
// Config is populated once fs is parsed.
func Bind(fs *pflag.FlagSet, getenv func(string) string) *Config {
	cfg := &Config{}

	env := func(k string) string { return getenv(EnvPrefix + k) }
	str := func(k, d string) string {
		if v := env(k); v != "" {
			return v
		}
		return d
	}
	num := func(k string, d int) int {
		if v := env(k); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	flag := func(k string, d bool) bool {
		switch strings.ToLower(env(k)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		return d
	}
	dur := func(k string, d time.Duration) time.Duration {
		if v := env(k); v != "" {
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		}
		return d
	}

	fs.StringVar(&cfg.File, "file", env("FILE"), "Path to the CSV file")
	fs.StringVar(&cfg.Server, "server", env("SERVER"), `SQL Server host (host, host:port, host,port or host\instance)`)
	fs.StringVar(&cfg.Database, "database", env("DATABASE"), "Target database")
	fs.StringVar(&cfg.User, "user", env("USER"), "SQL login")
	fs.StringVar(&cfg.Password, "password", env("PASSWORD"), "SQL password (prompted when empty)")
	fs.StringVar(&cfg.Table, "table", env("TABLE"), "Destination table name")
	fs.StringVar(&cfg.Columns, "columns", env("COLUMNS"), "Comma-separated list of CSV columns to import")
	fs.StringVar(&cfg.Schema, "schema", str("SCHEMA", "dbo"), "Destination schema")

	fs.IntVar(&cfg.BatchSize, "batch_size", num("BATCH_SIZE", 5000), "Rows per bulk-copy batch and progress report")
	fs.IntVar(&cfg.MaxRetries, "max_retries", num("MAX_RETRIES", retry.DefaultMaxAttempts), "Retries after a transient failure (0 disables)")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt_timeout", dur("ATTEMPT_TIMEOUT", 0), "Deadline for one attempt; 0 means none")
	fs.StringVar(&cfg.Delimiter, "delimiter", str("DELIMITER", ","), `Field delimiter; "tab" or \t for tab`)
	fs.StringVar(&cfg.Encoding, "encoding", str("ENCODING", "utf-8"), "Input encoding (WHATWG label, e.g. windows-1250)")

	fs.StringVar(&cfg.Settings, "settings", str("SETTINGS", DefaultSettingsFile), "Settings file with server/database/user/password defaults")

	fs.BoolVar(&cfg.LogJSON, "log_json", flag("LOG_JSON", false), "Emit JSON logs")
	fs.BoolVar(&cfg.Verbose, "verbose", flag("VERBOSE", false), "Debug logging")
	fs.StringVar(&cfg.MetricsBackend, "metrics_backend", env("METRICS_BACKEND"), "Metrics backend: none, pushgateway or datadog (default: whichever address is set)")
	fs.StringVar(&cfg.PushgatewayURL, "pushgateway_url", env("PUSHGATEWAY_URL"), "Prometheus Pushgateway URL")
	fs.StringVar(&cfg.StatsdAddr, "statsd_addr", env("STATSD_ADDR"), "DogStatsD address, host:port or unix:///path")

	fs.StringVar(&cfg.Encrypt, "encrypt", str("ENCRYPT", "true"), "Connection encryption: true, false, strict or disable")
	fs.BoolVar(&cfg.TrustServerCertificate, "trust_server_certificate", flag("TRUST_SERVER_CERTIFICATE", false), "Skip server certificate validation")

	cfg.settingsExplicit = env("SETTINGS") != ""
	return cfg
}

// LoadFromArgs binds flags on fs, parses args and applies the settings file.
func LoadFromArgs(fs *pflag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := Bind(fs, getenv)
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}
	if err := cfg.Complete(fs, os.ReadFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Complete runs after flag parsing: it fills still-empty connection values
// from the settings file. A missing default settings file is ignored; a
// missing file that was asked for explicitly is an error.
func (c *Config) Complete(fs *pflag.FlagSet, readFile func(string) ([]byte, error)) error {
	explicit := c.settingsExplicit || (fs != nil && fs.Changed("settings"))
	if c.Settings == "" {
		return nil
	}
	s, err := LoadSettings(c.Settings, readFile)
	if err != nil {
		if errors.Is(err, ErrSettingsNotFound) && !explicit {
			return nil
		}
		return err
	}
	c.ApplySettings(s)
	return nil
}

// ApplySettings fills empty connection fields from s.
func (c *Config) ApplySettings(s Settings) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = strings.TrimSpace(v)
		}
	}
	fill(&c.Server, s.Server)
	fill(&c.Database, s.Database)
	fill(&c.User, s.User)
	fill(&c.Password, s.Password)
}

// ColumnList returns the requested columns.
func (c *Config) ColumnList() []string { return csvutil.ParseColumnList(c.Columns) }

// Missing lists the flag names of required values that are still empty, in
// prompting order.
func (c *Config) Missing() []string {
	var out []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"file", strings.TrimSpace(c.File) != ""},
		{"server", strings.TrimSpace(c.Server) != ""},
		{"database", strings.TrimSpace(c.Database) != ""},
		{"user", strings.TrimSpace(c.User) != ""},
		{"password", c.Password != ""},
		{"table", strings.TrimSpace(c.Table) != ""},
		{"columns", len(c.ColumnList()) > 0},
	} {
		if !f.ok {
			out = append(out, f.name)
		}
	}
	return out
}

// Validate checks that every required value is present and tunables are sane.
func (c *Config) Validate() error {
	if m := c.Missing(); len(m) > 0 {
		return errors.WithHint(
			errors.Newf("missing required settings: %s", strings.Join(m, ", ")),
			"pass them as flags, CSVIMPORT_* environment variables or in the settings file",
		)
	}
	if c.BatchSize <= 0 {
		return errors.Newf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return errors.Newf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.AttemptTimeout < 0 {
		return errors.Newf("attempt_timeout must not be negative, got %s", c.AttemptTimeout)
	}
	if _, err := c.DelimiterRune(); err != nil {
		return err
	}
	if _, err := c.Metrics(); err != nil {
		return err
	}
	switch strings.ToLower(c.Encrypt) {
	case "", "true", "false", "strict", "disable":
	default:
		return errors.Newf("encrypt must be true, false, strict or disable, got %q", c.Encrypt)
	}
	return nil
}

// Metrics resolves the metrics backend name. An empty setting selects
// pushgateway when its URL is set, then datadog when a statsd address is set,
// otherwise none.
func (c *Config) Metrics() (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(c.MetricsBackend)); b {
	case "":
		switch {
		case c.PushgatewayURL != "":
			return "pushgateway", nil
		case c.StatsdAddr != "":
			return "datadog", nil
		}
		return "none", nil
	case "none":
		return b, nil
	case "pushgateway":
		if c.PushgatewayURL == "" {
			return "", errors.New("metrics_backend pushgateway needs pushgateway_url")
		}
		return b, nil
	case "datadog":
		if c.StatsdAddr == "" {
			return "", errors.New("metrics_backend datadog needs statsd_addr")
		}
		return b, nil
	default:
		return "", errors.Newf("unknown metrics_backend %q", c.MetricsBackend)
	}
}

// DelimiterRune decodes the delimiter setting.
func (c *Config) DelimiterRune() (rune, error) {
	switch c.Delimiter {
	case "", ",":
		return ',', nil
	case "tab", `\t`, "\t":
		return '\t', nil
	}
	if utf8.RuneCountInString(c.Delimiter) != 1 {
		return 0, errors.Newf("delimiter must be a single character, got %q", c.Delimiter)
	}
	r, _ := utf8.DecodeRuneInString(c.Delimiter)
	return r, nil
}

// DSN renders a sqlserver:// connection URL for go-mssqldb.
func (c *Config) DSN() string {
	host, instance := splitServer(c.Server)
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(c.User, c.Password),
		Host:   host,
	}
	if instance != "" {
		u.Path = "/" + instance
	}
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("app name", "csvimport")
	if c.Encrypt != "" {
		q.Set("encrypt", strings.ToLower(c.Encrypt))
	}
	if c.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted describes the connection target without credentials.
func (c *Config) Redacted() string {
	return fmt.Sprintf("%s/%s as %s", c.Server, c.Database, c.User)
}

// splitServer accepts the SQL Server client spellings host,port and
// host\instance alongside host:port.
func splitServer(s string) (host, instance string) {
	s = strings.TrimSpace(s)
	if h, inst, ok := strings.Cut(s, `\`); ok {
		return h, inst
	}
	if h, port, ok := strings.Cut(s, ","); ok {
		return strings.TrimSpace(h) + ":" + strings.TrimSpace(port), ""
	}
	return s, ""
}
