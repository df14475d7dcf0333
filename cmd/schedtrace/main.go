// Package main wires the schedtrace CLI entrypoint: parse a task-definition
// file, build a taskset around a bounded trace, run it until interrupted or
// a fixed duration elapses, and optionally serve status/metrics over HTTP.
package main

//nolint:depguard // main wires project-internal modules and zap logging
import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"schedtrace/internal/buildinfo"
	"schedtrace/pkg/httpmetrics"
	"schedtrace/pkg/httpstatus"
	"schedtrace/pkg/options"
	"schedtrace/pkg/reader"
	"schedtrace/pkg/task"
	"schedtrace/pkg/taskfile"
	"schedtrace/pkg/taskset"
	"schedtrace/pkg/trace"
)

const (
	defaultConfigPath = ""

	exitCodeSuccess      = 0
	exitCodeRuntimeError = 1
	exitCodeParseError   = 2
)

func main() {
	code := run(context.Background(), os.Args[1:], defaultRunDeps(), os.Stderr)
	if code != 0 {
		os.Exit(code)
	}
}

// runDeps makes main's externally-observable effects (logger construction,
// signal delivery) substitutable in tests.
type runDeps struct {
	newLogger   func(options.Verbosity) (*zap.Logger, error)
	notifySetup func() (chan os.Signal, func())
}

func defaultRunDeps() runDeps {
	return runDeps{
		newLogger:   newLogger,
		notifySetup: defaultNotifySetup,
	}
}

func defaultNotifySetup() (chan os.Signal, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	return sigCh, func() { signal.Stop(sigCh) }
}

type cliFlags struct {
	configPath    string
	shutdownAfter time.Duration
}

func run(ctx context.Context, args []string, deps runDeps, stderr io.Writer) int {
	flags, cfg, err := parseAll(args)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeParseError
	}

	logger, err := deps.newLogger(cfg.Verbosity)
	if err != nil {
		fmt.Fprintf(stderr, "failed to configure logger: %v\n", err)

		return exitCodeRuntimeError
	}

	defer func() { _ = logger.Sync() }()

	if cfg.WithGUI {
		logger.Warn("with_gui was requested but no graphical front end is built into this binary")
	}

	info := buildinfo.Current()
	logger.Info("starting schedtrace",
		zap.String("version", info.Version),
		zap.String("commit", info.GitCommit),
		zap.String("taskfile", cfg.TaskfilePath),
		zap.String("tracefile", cfg.TracefilePath))

	specs, err := loadTaskSpecs(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeRuntimeError
	}

	tracefile, err := cfg.OpenTracefile()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)

		return exitCodeRuntimeError
	}

	defer func() { _ = tracefile.Close() }()

	var flusher func() error
	if cfg.TracefileFlush {
		if syncer, ok := tracefile.(interface{ Sync() error }); ok {
			flusher = syncer.Sync
		}
	}

	var sink io.Writer = tracefile
	if cfg.LogfileSync {
		sink = &lockedWriter{mu: cfg.LogMutex(), w: tracefile}
	}

	tr := trace.New(cfg.Limits.TraceSize, sink, cfg.TracefileFlush, flusher, logger)

	ts := taskset.New(specs, cfg, tr, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if flags.shutdownAfter > 0 {
		time.AfterFunc(flags.shutdownAfter, cancel)
	}

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = startHTTPServer(runCtx, cfg.HTTPAddr, ts, logger)
	}

	ts.Create(runCtx)
	ts.Activate()

	sigCh, stopNotify := deps.notifySetup()
	defer stopNotify()

	select {
	case <-runCtx.Done():
	case <-sigCh:
		logger.Info("received shutdown signal")
	}

	ts.Quit()
	ts.Join()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info("schedtrace stopped", zap.String("finalState", ts.State().String()))

	return exitCodeSuccess
}

func parseAll(args []string) (cliFlags, options.Options, error) {
	var flags cliFlags

	flagSet := flag.NewFlagSet("schedtrace", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	flagSet.StringVar(&flags.configPath, "config", defaultConfigPath, "Path to a YAML configuration file")
	flagSet.DurationVar(&flags.shutdownAfter, "shutdown-after", 0, "Exit automatically after this duration (0 disables)")

	verbosity := flagSet.String("verbosity", "", "Log verbosity (error, warning, info, debug)")
	withGUI := flagSet.Bool("with-gui", false, "Enable the graphical front end (unsupported, logged and ignored)")
	taskfilePath := flagSet.String("taskfile", "", "Path to a task-definition file (\"-\" for stdin)")
	tracefilePath := flagSet.String("tracefile", "", "Path to the trace sink (\"-\" for stdout)")
	tracefileFlush := flagSet.Bool("tracefile-flush", false, "Flush the trace sink after every emitted line")
	logfileSync := flagSet.Bool("logfile-sync", false, "Serialize log writes with a mutex")
	mutexProtocol := flagSet.String("mutex-protocol", "", "Priority protocol for shared resources (none, inherit, protect)")
	withAffinity := flagSet.Bool("with-affinity", true, "Pin every task thread to CPU 0")
	idleYield := flagSet.Bool("idle-yield", true, "Have the idle task yield the processor (runtime.Gosched) each iteration")
	idleSleep := flagSet.Bool("idle-sleep", false, "Have the idle task sleep briefly each iteration")
	idleRTSched := flagSet.Bool("idle-rt-sched", false, "Run the idle task under a real-time scheduling policy")
	guiWidth := flagSet.Int("gui-w", 0, "Visualizer window width (unsupported, ignored)")
	guiHeight := flagSet.Int("gui-h", 0, "Visualizer window height (unsupported, ignored)")
	httpAddr := flagSet.String("http-addr", "", "Bind address for the status/metrics HTTP surface (empty disables it)")

	if err := flagSet.Parse(args); err != nil {
		return cliFlags{}, options.Options{}, fmt.Errorf("parse CLI arguments: %w", err)
	}

	set := map[string]bool{}
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return cliFlags{}, options.Options{}, err
	}

	if set["verbosity"] {
		v, err := options.ParseVerbosity(*verbosity)
		if err != nil {
			return cliFlags{}, options.Options{}, err
		}

		cfg.Verbosity = v
	}

	if set["with-gui"] {
		cfg.WithGUI = *withGUI
	}

	if set["taskfile"] {
		cfg.TaskfilePath = *taskfilePath
	}

	if set["tracefile"] {
		cfg.TracefilePath = *tracefilePath
	}

	if set["tracefile-flush"] {
		cfg.TracefileFlush = *tracefileFlush
	}

	if set["logfile-sync"] {
		cfg.LogfileSync = *logfileSync
	}

	if set["mutex-protocol"] {
		p, err := options.ParseMutexProtocol(*mutexProtocol)
		if err != nil {
			return cliFlags{}, options.Options{}, err
		}

		cfg.MutexProtocol = p
	}

	if set["with-affinity"] {
		cfg.WithAffinity = *withAffinity
	}

	if set["idle-yield"] {
		cfg.IdleYield = *idleYield
	}

	if set["idle-sleep"] {
		cfg.IdleSleep = *idleSleep
	}

	if set["idle-rt-sched"] {
		cfg.IdleRTSched = *idleRTSched
	}

	if set["gui-w"] {
		cfg.GUIWidth = *guiWidth
	}

	if set["gui-h"] {
		cfg.GUIHeight = *guiHeight
	}

	if set["http-addr"] {
		cfg.HTTPAddr = *httpAddr
	}

	return flags, cfg, nil
}

// loadTaskSpecs opens cfg.TaskfilePath ("-" for stdin) and parses it with
// the task-definition grammar.
func loadTaskSpecs(cfg options.Options, logger *zap.Logger) ([]task.Spec, error) {
	path := cfg.TaskfilePath

	var src io.Reader

	if path == "" || path == "-" {
		src = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open taskfile %q: %w", path, err)
		}
		defer func() { _ = f.Close() }()

		src = f
	}

	specs, err := taskfile.Parse(src, cfg.Limits, logger)
	if err != nil {
		return nil, fmt.Errorf("parse taskfile %q: %w", path, err)
	}

	return specs, nil
}

// lockedWriter serializes trace-sink writes with the shared log mutex, so
// whole lines interleave cleanly when trace and log output share a stream.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	return lw.w.Write(p)
}

var errInvalidVerbosity = errors.New("invalid verbosity for logger")

func newLogger(verbosity options.Verbosity) (*zap.Logger, error) {
	level, err := zapLevel(verbosity)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"

	built, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return built, nil
}

func zapLevel(v options.Verbosity) (zapcore.Level, error) {
	switch v {
	case options.VerbosityError:
		return zapcore.ErrorLevel, nil
	case options.VerbosityWarning:
		return zapcore.WarnLevel, nil
	case options.VerbosityInfo:
		return zapcore.InfoLevel, nil
	case options.VerbosityDebug:
		return zapcore.DebugLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("%w: %v", errInvalidVerbosity, v)
	}
}

// loadWindowEvents bounds how far back the load estimator looks when
// deriving the idle ratio from the trace.
const loadWindowEvents = 512

// startHTTPServer wires pkg/httpstatus and pkg/httpmetrics behind addr,
// publishing metrics once per second until ctx is cancelled.
func startHTTPServer(ctx context.Context, addr string, ts *taskset.TaskSet, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/status", httpstatus.NewHandler(ts))

	exporter := httpmetrics.NewExporter()
	mux.Handle("/metrics", exporter)

	go publishMetricsLoop(ctx, ts, exporter)

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server exited", zap.Error(err))
		}
	}()

	return server
}

// publishMetricsLoop feeds the exporter from two sources: the trace-backed
// load estimator (idle ratio) and a once-per-second sweep of the taskset's
// own counters (tick rate, task counters, resource acquisitions).
func publishMetricsLoop(ctx context.Context, ts *taskset.TaskSet, exporter *httpmetrics.Exporter) {
	tr := ts.Shared().Trace()

	estimator := reader.NewLoadEstimator(reader.TraceSource{Trace: tr, Window: loadWindowEvents}, time.Second)
	observations := estimator.Run(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastTick uint64

	scanned := 0

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-observations:
			if ok && obs.Err == nil && obs.TotalTicks > 0 {
				exporter.SetIdleRatio(float64(obs.IdleTicks) / float64(obs.TotalTicks))
			}
		case <-ticker.C:
			tick := ts.Shared().Tick()
			exporter.SetTickRate(float64(tick - lastTick))
			lastTick = tick

			exporter.SetState(ts.State().String(), ts.IsActive())
			exporter.SetTraceOccupancy(tr.Len(), tr.Cap(), tr.Halted())

			for _, t := range ts.Tasks() {
				exporter.SetTaskCounters(t.Spec.ID, t.Jobs(), t.DeadlineMisses())
			}

			for ; scanned < tr.Len(); scanned++ {
				if ev, ok := tr.At(scanned); ok && ev.Kind == trace.Acquire {
					exporter.IncResourceHold(ev.ResID)
				}
			}
		}
	}
}
