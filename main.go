package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cm4all/golb/internal/app"
	"github.com/cm4all/golb/internal/config"
	"github.com/cm4all/golb/internal/logger"
	"github.com/cm4all/golb/internal/version"
	"github.com/cm4all/golb/pkg/format"
	"github.com/cm4all/golb/pkg/nerdstats"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(loggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	result, err := cfg.Build()
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to resolve configuration", "error", err)
	}

	application, err := app.New(app.Config{
		Listeners:         result.Listeners,
		Clusters:          result.Clusters,
		Monitors:          result.MonitorConfig,
		ControlSocketPath: result.ControlSocket,
		ControlNodes:      result.Resolver,
	}, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	styledLogger.Info("Serving", "listeners", len(result.Listeners))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := application.Shutdown(shutdownCtx); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}
	shutdownCancel()

	if err := <-done; err != nil {
		styledLogger.Error("Instance stopped with error", "error", err)
	}

	reportProcessStats(styledLogger, startTime)

	styledLogger.Info("golb has shut down")
}

// loggerConfig adapts the lb.conf-equivalent logging section into the
// logger package's own Config shape, grounded on the teacher's
// buildLoggerConfig but sourced from the loaded file config instead of
// raw environment variables, since internal/config.Load is now the one
// place configuration enters the process.
func loggerConfig(cfg *config.Config) *logger.Config {
	lc := cfg.Logging
	if lc.Level == "" {
		lc.Level = "info"
	}
	if lc.LogDir == "" {
		lc.LogDir = "./logs"
	}
	if lc.Theme == "" {
		lc.Theme = "default"
	}
	if lc.MaxSize == 0 {
		lc.MaxSize = 100
	}
	if lc.MaxBackups == 0 {
		lc.MaxBackups = 5
	}
	if lc.MaxAge == 0 {
		lc.MaxAge = 30
	}
	return &logger.Config{
		Level:      lc.Level,
		LogDir:     lc.LogDir,
		Theme:      lc.Theme,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		FileOutput: lc.FileOutput,
		PrettyLogs: lc.PrettyLogs,
	}
}

func reportProcessStats(log *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Snapshot(startTime)

	log.Info("Process Memory Stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"heap_released", format.Bytes(stats.HeapReleased),
		"stack_inuse", format.Bytes(stats.StackInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	log.Info("Process Allocation Stats",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", int64(stats.Mallocs)-int64(stats.Frees),
	)

	if stats.NumGC > 0 {
		log.Info("Garbage Collection Stats",
			"num_gc_cycles", stats.NumGC,
			"last_gc", stats.LastGC.Format(time.RFC3339),
			"total_gc_time", format.Duration(stats.TotalGCTime),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", stats.GCCPUFraction*100),
		)
	}

	log.Info("Goroutine Stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
		"num_cgo_calls", stats.NumCgoCall,
	)

	log.Info("Runtime Stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
		"gomaxprocs", stats.GOMAXPROCS,
	)

	if buildInfo := stats.GetBuildInfoSummary(); len(buildInfo) > 0 {
		var buildArgs []any
		for key, value := range buildInfo {
			buildArgs = append(buildArgs, key, value)
		}
		log.Info("Build Info", buildArgs...)
	}
}
