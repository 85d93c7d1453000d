package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gustycube/avasite/internal/checker"
	"github.com/gustycube/avasite/internal/config"
	"github.com/gustycube/avasite/internal/dns"
	"github.com/gustycube/avasite/internal/emit"
	"github.com/gustycube/avasite/internal/format"
	"github.com/gustycube/avasite/internal/health"
	"github.com/gustycube/avasite/internal/input"
	"github.com/gustycube/avasite/internal/logging"
	"github.com/gustycube/avasite/internal/metrics"
	"github.com/gustycube/avasite/internal/output"
	"github.com/gustycube/avasite/internal/probe"
	"github.com/gustycube/avasite/internal/rate"
	"github.com/gustycube/avasite/internal/runner"
	"github.com/gustycube/avasite/internal/store/postgres"
	"github.com/gustycube/avasite/internal/telemetry"
	"github.com/gustycube/avasite/internal/tlsinfo"
	"github.com/gustycube/avasite/internal/track"
	"github.com/gustycube/avasite/internal/types"
	"github.com/gustycube/avasite/internal/ui"
)

const version = "1.0.0"

const periodMessage = "Provided `--period` parameter is not valid. please pass valid positive integer value"

func main() {
	os.Exit(run())
}

func run() int {
	var configFile string
	var inp string
	var inf bool
	var period string
	var skipInvalid bool
	var probeKind string
	var workers int
	var outputFormat string
	var out string
	var metricsAddr string
	var logFile string
	var verbose bool
	var progress bool
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.StringVar(&inp, "inp", "csv:input.csv", "input string, looks like con_type:source. Available protocols: "+strings.Join(input.Protocols(), ", "))
	flag.BoolVar(&inf, "inf", false, "run infinitely, till someone stops it")
	flag.StringVar(&period, "period", "180", "period of availability check in seconds, used only with --inf")
	flag.BoolVar(&skipInvalid, "skip_invalid", false, "skip invalid input rows instead of stopping")
	flag.StringVar(&probeKind, "probe", "", "port probe: tcp or http")
	flag.IntVar(&workers, "workers", 0, "concurrent probes within one target")
	flag.StringVar(&outputFormat, "output_format", "", "output format (text, jsonl, csv)")
	flag.StringVar(&out, "out", "", "append results to this file instead of stdout")
	flag.StringVar(&metricsAddr, "metrics_addr", "", "metrics and health listen addr (empty to disable)")
	flag.StringVar(&logFile, "log_file", "", "rotating log file (logs always go to stderr)")
	flag.BoolVar(&verbose, "verbose", false, "debug logging")
	flag.BoolVar(&progress, "progress", true, "show a progress line on the terminal")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "avasite - site availability checker\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --inp csv:input.csv\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --inp json:files/inp.json --inf --period 60\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --inp redis:127.0.0.1:6379/avasite:targets --output_format jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  AVASITE_INPUT    input connection string\n")
		fmt.Fprintf(os.Stderr, "  AVASITE_PERIOD   check period in seconds\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR       Redis server for redis: inputs without an address\n")
		fmt.Fprintf(os.Stderr, "  DATABASE_URL     Postgres DSN to store results\n")
		fmt.Fprintf(os.Stderr, "  INGEST_URL       HTTP endpoint receiving result batches\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL        Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("avasite v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		return 0
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrInvalidPeriod) {
			fmt.Println(periodMessage)
			return 2
		}
		return 1
	}

	// only flags given on the command line override file and environment
	flags := make(map[string]interface{})
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "inp":
			flags["inp"] = inp
		case "inf":
			flags["inf"] = inf
		case "period":
			n, err := strconv.Atoi(strings.TrimSpace(period))
			if err != nil {
				n = -1
			}
			flags["period"] = n
		case "skip_invalid":
			flags["skip_invalid"] = skipInvalid
		case "probe":
			flags["probe"] = probeKind
		case "workers":
			flags["workers"] = workers
		case "output_format":
			flags["output_format"] = outputFormat
		case "out":
			flags["out"] = out
		case "metrics_addr":
			flags["metrics_addr"] = metricsAddr
		case "log_file":
			flags["log_file"] = logFile
		case "verbose":
			flags["verbose"] = verbose
		}
	})
	cfg.MergeWithFlags(flags)

	if cfg.PeriodSec < 1 {
		fmt.Println(periodMessage)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 2
	}

	log, err := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, version, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	conn := redisConnection(cfg.Input, cfg.RedisAddr)
	rows, err := input.ReadAll(ctx, conn)
	if err != nil {
		fmt.Println(inputError(err))
		fmt.Println("E.G csv:input.csv or json:files/inp.json. Currently available protocols are: " + strings.Join(input.Protocols(), ", "))
		return 1
	}
	valid, invalid := input.Split(rows)
	if len(invalid) > 0 && !cfg.SkipInvalid {
		fmt.Println("Program input contains invalid values, that unable to parse.")
		fmt.Println("Use --skip_invalid parameter to skip it, or fix your input file")
		fmt.Println("invalid values (first index = 1): ")
		for _, row := range invalid {
			host := row.Host
			if host == "" {
				host = "``"
			}
			fmt.Printf("element #%d host=%s | ports=%s\n", row.Idx+1, host, strings.Join(row.RawPorts, ","))
		}
		return 0
	}
	if len(invalid) > 0 {
		log.Infow("skipping invalid input rows", "count", len(invalid))
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("probe_id", cfg.ProbeID)
	healthHandler.SetMetadata("run_id", cfg.RunID)
	healthHandler.SetMetadata("version", version)
	loop := health.NewLoopChecker(2*cfg.Period() + time.Minute)
	healthHandler.RegisterChecker("loop", loop)

	sink, err := buildSinks(ctx, cfg, healthHandler, log)
	if err != nil {
		log.Errorw("output init failed", "err", err)
		return 1
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warnw("closing outputs", "err", err)
		}
	}()

	chk, err := buildChecker(cfg, log)
	if err != nil {
		log.Errorw("probe init failed", "err", err)
		return 1
	}

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	targets := make([]types.Target, 0, len(valid))
	for _, row := range valid {
		targets = append(targets, row.Target())
	}
	log.Infow("starting avasite",
		"input", cfg.Input,
		"targets", len(targets),
		"probe", cfg.Probe,
		"workers", cfg.Workers,
		"infinite", cfg.Infinite,
		"period_sec", cfg.PeriodSec,
		"config_file", configFile,
	)
	healthHandler.SetReady(true)

	r := &runner.Runner{
		Checker:  chk,
		Sink:     sink,
		Infinite: cfg.Infinite,
		Period:   cfg.Period(),
		Log:      log,
		Health:   loop,
		Progress: ui.NewReporter(log, progress),
	}
	if err := r.Run(ctx, targets); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("Program stopped by user")
			return 1
		}
		log.Errorw("run failed", "err", err)
		return 1
	}
	log.Infow("shutdown complete", "iterations", loop.Iterations())
	return 0
}

// redisConnection fills in REDIS_ADDR for redis inputs that only name a key.
func redisConnection(conn, redisAddr string) string {
	protocol, source, err := input.ParseConnection(conn)
	if err != nil || protocol != "redis" || redisAddr == "" || strings.Contains(source, "/") {
		return conn
	}
	return "redis:" + redisAddr + "/" + source
}

func inputError(err error) string {
	switch {
	case errors.Is(err, input.ErrConnectionString):
		return "Connection string is not valid: " + err.Error()
	case errors.Is(err, input.ErrUnknownProtocol):
		return err.Error()
	case errors.Is(err, os.ErrNotExist):
		return "Input file does not exist: " + err.Error()
	default:
		return "Unable to read input: " + err.Error()
	}
}

func buildSinks(ctx context.Context, cfg *config.Config, hh *health.Handler, log *logging.Logger) (output.Multi, error) {
	f, err := format.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	var w *output.Writer
	if cfg.OutputFile != "" {
		w, err = output.NewFileWriter(f, cfg.OutputFile)
	} else {
		w, err = output.NewStdoutWriter(f)
	}
	if err != nil {
		return nil, err
	}
	sinks := output.Multi{w}

	if cfg.TrackChanges {
		sinks = append(sinks, track.New(track.DefaultSize, track.DefaultTTL, log))
	}
	if cfg.Ingest != "" {
		e, err := emit.New(emit.Config{
			Ingest:     cfg.Ingest,
			ProbeID:    cfg.ProbeID,
			RunID:      cfg.RunID,
			BatchMax:   cfg.BatchMax,
			FlushEvery: time.Duration(cfg.BatchFlushSec) * time.Second,
			SpoolDir:   cfg.SpoolDir,
			MTLSCert:   cfg.MTLSCert,
			MTLSKey:    cfg.MTLSKey,
		}, log)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		log.Infow("ingest sink enabled", "url", cfg.Ingest)
		sinks = append(sinks, e)
	}
	if cfg.DatabaseURL != "" {
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			_ = sinks.Close()
			return nil, err
		}
		hh.RegisterChecker("postgres", health.NewFuncChecker("postgres", store.Ping))
		log.Infow("postgres sink enabled")
		sinks = append(sinks, store)
	}
	return sinks, nil
}

func buildChecker(cfg *config.Config, log *logging.Logger) (*checker.Checker, error) {
	ports, err := probe.NewPortProbe(cfg.Probe, cfg.Timeout())
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsinfo.NewConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	opts := []checker.Option{
		checker.WithWorkers(cfg.Workers),
		checker.WithLogger(log),
	}
	if l := rate.New(cfg.RatePerSec, 1); l != nil {
		opts = append(opts, checker.WithLimiter(l))
	}
	return checker.New(
		dns.NewHostResolver(nil, cfg.Timeout()),
		ports,
		tlsinfo.NewCertProbe(tlsConfig, cfg.Timeout()),
		probe.NewICMPProbe(cfg.ICMPCount, !cfg.ICMPUnprivileged),
		opts...,
	), nil
}
