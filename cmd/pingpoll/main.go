// Command pingpoll pings a list of hosts once with fping and records which
// of them are reachable. It is meant to be run from cron.
//
//	pingpoll [flags] [hostfile...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/config"
	"github.com/kylerisse/pingpoll/pkg/host"
	"github.com/kylerisse/pingpoll/pkg/logging"
	"github.com/kylerisse/pingpoll/pkg/poll"
	"github.com/kylerisse/pingpoll/pkg/probe"
	"github.com/kylerisse/pingpoll/pkg/resolve"
	"github.com/kylerisse/pingpoll/pkg/sink"
	"github.com/kylerisse/pingpoll/pkg/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one polling cycle and returns the process exit code: 0 when
// the run completed, even if hosts were down or a sink failed, and 1 when
// configuration or fping itself failed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "pingpoll: %v\n", err)
		return 1
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Output: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "pingpoll: %v\n", err)
		return 1
	}
	defer closer.Close()

	if err := execute(ctx, cfg, logger, stdout); err != nil {
		logger.Errorf("%v", err)
		if cfg.Log.File != "" {
			fmt.Fprintf(stderr, "pingpoll: %v\n", err)
		}
		return 1
	}
	return 0
}

// parseConfig merges defaults, the optional YAML file, explicitly set
// flags and positional host files, in that order.
func parseConfig(args []string, stderr io.Writer) (config.Config, error) {
	def := config.Default()

	fs := flag.NewFlagSet("pingpoll", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "path to configuration file (YAML)")
		binary     = fs.String("fping", def.Probe.Binary, "fping binary")
		timeout    = fs.String("timeout", def.Probe.Timeout, "per-ping timeout")
		attempts   = fs.Int("attempts", def.Probe.Attempts, "pings per host (0 keeps fping's default)")
		deadline   = fs.String("deadline", def.Probe.Deadline, "limit for the whole fping run")
		ipv6       = fs.Bool("ipv6", def.Probe.IPv6, "allow IPv6 targets")
		table      = fs.Bool("table", false, "print a table of all hosts")
		summary    = fs.Bool("summary", false, "print a one-line summary (default unless -table)")
		csvPath    = fs.String("csv", "", "write results to a CSV file")
		appendCSV  = fs.Bool("append", false, "append to the CSV file instead of replacing it")
		sqlDSN     = fs.String("sql", "", "SQLite path or postgres:// DSN to append results to, also read for hosts")
		textfile   = fs.String("textfile", "", "write Prometheus metrics for node_exporter's textfile collector")
		rrdDir     = fs.String("rrd", "", "directory of per-host round-robin databases to update")
		rrdTool    = fs.String("rrdtool", def.Output.RRDTool, "rrdtool binary")
		resolver   = fs.String("resolver", "", "DNS server (host:port) or resolv.conf used to explain unknown hosts")
		logLevel   = fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
		logFile    = fs.String("log-file", "", "write logs to a rotating file instead of stderr")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pingpoll [flags] [hostfile...]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "fping":
			cfg.Probe.Binary = *binary
		case "timeout":
			cfg.Probe.Timeout = *timeout
		case "attempts":
			cfg.Probe.Attempts = *attempts
		case "deadline":
			cfg.Probe.Deadline = *deadline
		case "ipv6":
			cfg.Probe.IPv6 = *ipv6
		case "table":
			cfg.Output.Table = *table
		case "summary":
			cfg.Output.Summary = *summary
		case "csv":
			cfg.Output.CSV = *csvPath
		case "append":
			cfg.Output.Append = *appendCSV
		case "sql":
			cfg.Output.SQL = *sqlDSN
		case "textfile":
			cfg.Output.Textfile = *textfile
		case "rrd":
			cfg.Output.RRD = *rrdDir
		case "rrdtool":
			cfg.Output.RRDTool = *rrdTool
		case "resolver":
			cfg.Resolver = *resolver
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
	if fs.NArg() > 0 {
		cfg.HostFiles = fs.Args()
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// execute wires the configured components together and performs the run.
func execute(ctx context.Context, cfg config.Config, logger *logrus.Logger, stdout io.Writer) error {
	var sources []host.Source
	for _, path := range cfg.HostFiles {
		sources = append(sources, host.TextFile{Path: path})
	}

	var (
		st     *store.Store
		sqlErr error
	)
	if cfg.Output.SQL != "" {
		st, sqlErr = openStore(ctx, cfg, logger)
		switch {
		case sqlErr == nil:
			defer st.Close()
			sources = append(sources, st.HostSource())
		case len(cfg.HostFiles) == 0:
			return &host.ConfigError{Source: "sql", Err: sqlErr}
		default:
			// The text files still name hosts; only the sql sink is lost.
			logger.Warnf("SQL database %s unavailable, it is neither read nor written this run.", cfg.Output.SQL)
		}
	}

	prober, err := newProber(cfg, logger)
	if err != nil {
		return err
	}

	sinks, err := newSinks(cfg, st, sqlErr, logger, stdout)
	if err != nil {
		return err
	}

	opts := []poll.Option{poll.WithLogger(logger)}
	if cfg.Resolver != "" {
		res, err := newResolver(cfg, logger)
		if err != nil {
			return err
		}
		logger.Debugf("DNS diagnosis via %s.", res.Server())
		opts = append(opts, poll.WithResolver(res))
	}

	_, err = poll.New(prober, sinks, opts...).Run(ctx, sources...)
	if err != nil && poll.IsFatal(err) {
		return err
	}
	// Failed sinks were already logged by the runner.
	return nil
}

// openStore opens the configured database and makes sure its tables exist.
// The database must already exist when it is the only host source.
func openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if len(cfg.HostFiles) == 0 {
		opts = append(opts, store.WithMustExist())
	}
	st, err := store.Open(cfg.Output.SQL, opts...)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newProber(cfg config.Config, logger *logrus.Logger) (*probe.FPing, error) {
	timeout, err := cfg.Probe.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	deadline, err := cfg.Probe.DeadlineDuration()
	if err != nil {
		return nil, err
	}
	return probe.New(
		probe.WithBinary(cfg.Probe.Binary),
		probe.WithTimeout(timeout),
		probe.WithAttempts(cfg.Probe.Attempts),
		probe.WithDeadline(deadline),
		probe.WithIPv4Only(!cfg.Probe.IPv6),
		probe.WithLogger(logger),
	)
}

// newSinks creates the sinks selected by cfg. A run with neither a table
// nor an explicit summary still prints the summary. When the database could
// not be opened, sqlErr is reported as the sql sink's failure.
func newSinks(cfg config.Config, st *store.Store, sqlErr error, logger *logrus.Logger, stdout io.Writer) ([]sink.Sink, error) {
	reg := sink.DefaultRegistry()
	base := sink.Config{Out: stdout, Logger: logger}

	type want struct {
		kind string
		cfg  sink.Config
	}
	var wants []want
	if cfg.Output.Table {
		wants = append(wants, want{sink.KindTable, base})
	}
	if cfg.Output.Summary || !cfg.Output.Table {
		wants = append(wants, want{sink.KindSummary, base})
	}
	if cfg.Output.CSV != "" {
		c := base
		c.Path, c.Append = cfg.Output.CSV, cfg.Output.Append
		wants = append(wants, want{sink.KindCSV, c})
	}
	if st != nil {
		c := base
		c.Store = st
		wants = append(wants, want{sink.KindSQL, c})
	}
	if cfg.Output.Textfile != "" {
		c := base
		c.Path = cfg.Output.Textfile
		wants = append(wants, want{sink.KindTextfile, c})
	}
	if cfg.Output.RRD != "" {
		c := base
		c.Path, c.Binary = cfg.Output.RRD, cfg.Output.RRDTool
		wants = append(wants, want{sink.KindRRD, c})
	}

	sinks := make([]sink.Sink, 0, len(wants))
	for _, w := range wants {
		s, err := reg.Create(w.kind, w.cfg)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", w.kind, err)
		}
		sinks = append(sinks, s)
	}
	if st == nil && sqlErr != nil {
		sinks = append(sinks, sink.Unavailable(sink.KindSQL, sqlErr))
	}
	return sinks, nil
}

// newResolver treats an existing file as resolv.conf and anything else as
// a DNS server address, defaulting to port 53.
func newResolver(cfg config.Config, logger *logrus.Logger) (*resolve.Resolver, error) {
	opts := []resolve.Option{resolve.WithIPv6(cfg.Probe.IPv6), resolve.WithLogger(logger)}

	if fi, err := os.Stat(cfg.Resolver); err == nil && fi.Mode().IsRegular() {
		return resolve.FromResolvConf(cfg.Resolver, opts...)
	}
	server := cfg.Resolver
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return resolve.New(server, opts...)
}
