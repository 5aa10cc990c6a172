package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/mailscan/collector"
	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/export"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/matcher"
	mserrors "github.com/migadu/mailscan/pkg/errors"
	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/scanner"
	"github.com/migadu/mailscan/walker"
)

// Version information, set at build time via -ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if err == nil || errors.Is(err, flag.ErrHelp) {
		return
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("Scan interrupted, partial report written")
	} else {
		logger.Error("mailscan failed", "error", err)
	}
	os.Exit(mserrors.ExitCode(err))
}

// run parses args, scans the directory they name and writes the report to
// stdout unless the configuration sends it elsewhere.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg := config.NewDefaultConfig()

	fs := flag.NewFlagSet("mailscan", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: mailscan [options] <dir>\n\n")
		fs.PrintDefaults()
	}

	search := fs.String("search", cfg.Match.Pattern, "Pattern matched against addresses and display names")
	fs.StringVar(search, "s", cfg.Match.Pattern, "Shorthand for -search")
	ignoreCase := fs.Bool("ignore-case", cfg.Match.IgnoreCase, "Ignore case when matching")
	fs.BoolVar(ignoreCase, "i", cfg.Match.IgnoreCase, "Shorthand for -ignore-case")
	fuzzy := fs.Bool("fuzzy", cfg.Match.Fuzzy, "Fuzzy matching: pattern characters must appear in order")
	fs.BoolVar(fuzzy, "f", cfg.Match.Fuzzy, "Shorthand for -fuzzy")

	configPath := fs.String("config", "", "Path to TOML configuration file")
	backend := fs.String("backend", cfg.Scan.Backend, "I/O backend: auto, uring or sync")
	queueDepth := fs.Int("queue-depth", cfg.Scan.QueueDepth, "Ring depth and files in flight per worker (power of two)")
	workers := fs.Int("workers", cfg.Scan.Workers, "Worker goroutines (0 = number of CPUs)")
	dedup := fs.Bool("dedup", cfg.Scan.Dedup, "Count identical header blocks once")
	skipTmp := fs.Bool("skip-maildir-tmp", cfg.Scan.SkipMaildirTmp, "Skip maildir tmp directories")
	malformed := fs.String("malformed-fields", cfg.Scan.MalformedFields, "Malformed address fields: skip or retry")
	format := fs.String("format", cfg.Report.Format, "Report format: text or json")
	output := fs.String("output", cfg.Report.Output, "Report destination, - for stdout")
	exportDB := fs.String("export-db", cfg.Export.SQLitePath, "Also write the report to this SQLite file")
	metricsFile := fs.String("metrics-file", cfg.Metrics.Textfile, "Write Prometheus metrics to this textfile on exit")
	logLevel := fs.String("loglevel", cfg.Logging.Level, "Log level: debug, info, warn or error")
	showVersion := fs.Bool("version", false, "Show version information and exit")
	fs.BoolVar(showVersion, "v", false, "Show version information (shorthand)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return mserrors.Usage("parse flags", err)
	}

	if *showVersion {
		fmt.Fprintf(stdout, "mailscan version %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return mserrors.Usage("parse flags", fmt.Errorf("expected exactly one directory, got %d arguments", fs.NArg()))
	}
	root := fs.Arg(0)

	if *configPath != "" {
		if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
			return mserrors.Usage("load config", fmt.Errorf("%s: %w", *configPath, err))
		}
	}

	// Flags given on the command line override the configuration file.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	isFlagSet := func(names ...string) bool {
		for _, name := range names {
			if set[name] {
				return true
			}
		}
		return false
	}

	if isFlagSet("search", "s") {
		cfg.Match.Pattern = *search
	}
	if isFlagSet("ignore-case", "i") {
		cfg.Match.IgnoreCase = *ignoreCase
	}
	if isFlagSet("fuzzy", "f") {
		cfg.Match.Fuzzy = *fuzzy
	}
	if isFlagSet("backend") {
		cfg.Scan.Backend = *backend
	}
	if isFlagSet("queue-depth") {
		cfg.Scan.QueueDepth = *queueDepth
	}
	if isFlagSet("workers") {
		cfg.Scan.Workers = *workers
	}
	if isFlagSet("dedup") {
		cfg.Scan.Dedup = *dedup
	}
	if isFlagSet("skip-maildir-tmp") {
		cfg.Scan.SkipMaildirTmp = *skipTmp
	}
	if isFlagSet("malformed-fields") {
		cfg.Scan.MalformedFields = *malformed
	}
	if isFlagSet("format") {
		cfg.Report.Format = *format
	}
	if isFlagSet("output") {
		cfg.Report.Output = *output
	}
	if isFlagSet("export-db") {
		cfg.Export.SQLitePath = *exportDB
	}
	if isFlagSet("metrics-file") {
		cfg.Metrics.Textfile = *metricsFile
	}
	if isFlagSet("loglevel") {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return mserrors.Usage("validate config", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to initialize logger: %v\n", err)
	}
	if logFile != nil {
		defer func() {
			if err := logFile.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error closing log file: %v\n", err)
			}
		}()
	}

	info, err := os.Stat(root)
	if err != nil {
		return mserrors.Usage("open directory", err)
	}
	if !info.IsDir() {
		return mserrors.Usage("open directory", fmt.Errorf("%s is not a directory", root))
	}

	opts, err := scanner.OptionsFromConfig(cfg.Scan)
	if err != nil {
		return mserrors.Usage("validate config", err)
	}
	m := matcher.New(cfg.Match.Pattern, matcher.Options{
		IgnoreCase: cfg.Match.IgnoreCase,
		Fuzzy:      cfg.Match.Fuzzy,
	})

	logger.InfoContext(ctx, "mailscan starting", "version", version, "root", root, "matcher", m.String())

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	paths := walker.Walk(scanCtx, root, walker.Options{SkipMaildirTmp: cfg.Scan.SkipMaildirTmp})
	result, stats, scanErr := scanner.Run(scanCtx, opts, m, paths)
	if result == nil {
		return mserrors.Fatal("scan", scanErr)
	}
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) {
		return mserrors.Fatal("scan", scanErr)
	}

	entries := result.Entries()
	if err := writeReport(cfg.Report, entries, stdout); err != nil {
		return mserrors.Fatal("write report", err)
	}

	// Exports still run after an interrupt so the partial result is kept.
	if cfg.Export.SQLitePath != "" {
		if err := export.WriteSQLite(context.WithoutCancel(ctx), cfg.Export.SQLitePath, entries); err != nil {
			return mserrors.Fatal("export sqlite", err)
		}
	}
	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return mserrors.Fatal("write metrics", err)
		}
	}

	if stats.Files > 0 && stats.Failed == stats.Files {
		logger.Warn("No file could be read", "failed", stats.Failed)
	}

	if scanErr != nil {
		return mserrors.Fatal("scan", scanErr)
	}
	return nil
}

func writeReport(cfg config.ReportConfig, entries []collector.Entry, stdout io.Writer) (err error) {
	w := stdout
	if cfg.Output != "" && cfg.Output != "-" {
		f, cerr := os.Create(cfg.Output)
		if cerr != nil {
			return cerr
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}

	if cfg.Format == "json" {
		return collector.WriteJSON(w, entries)
	}
	return collector.WriteText(w, entries)
}
