package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	generationFlag     string
	maxEntriesFlag     int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

const controlPrefix = "/_offline"

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&generationFlag, "generation", "", "Build tag of this deployment")
	flag.IntVar(&maxEntriesFlag, "max-entries", cache.DefaultMaxEntries, "Maximum entries per partition")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)

	// set log level
	logLevel := zerolog.DebugLevel
	if cfg.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.LogFile != "" {
		if logFileOutput, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	originURL, err := cfg.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	store, err := cache.NewSQLiteCache(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer store.Close()

	layer, err := offlinecache.CreateLayer(offlinecache.Config{
		Cache:               store,
		Retry:               cfg.Retry,
		OriginURL:           *originURL,
		OriginHost:          cfg.Host,
		Logger:              &log.Logger,
		Generation:          cfg.Generation,
		PartitionPrefix:     cfg.PartitionPrefix,
		Partitions:          cfg.Table(),
		Rules:               cfg.ClassificationRules(),
		Manifest:            cfg.Manifest,
		OfflineFallback:     cfg.OfflineFallback,
		MaintenanceInterval: cfg.MaintenanceInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create layer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := layer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not start layer")
	}
	go drainOnSignal(ctx, layer)

	r := chi.NewRouter()
	r.Mount(controlPrefix, hlog.NewHandler(log.Logger)(hlog.AccessHandler(logControlRequest)(layer.ControlHandler())))
	r.Handle("/*", layer)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, originURL.String(), cfg.Host)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	layer.Close()
}

// applyFlags overlays the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.Origin = originFlag
		case "host":
			cfg.Host = hostFlag
		case "port":
			cfg.Port = portFlag
		case "db":
			cfg.DB = dbFilenameFlag
		case "generation":
			cfg.Generation = generationFlag
		case "max-entries":
			cfg.MaxEntries = maxEntriesFlag
		case "vv":
			cfg.Trace = verbosityTraceFlag
		case "log-file":
			cfg.LogFile = logFilenameFlag
		}
	})
}

// drainOnSignal drains the deferred queue whenever SIGUSR1 is received.
func drainOnSignal(ctx context.Context, layer *offlinecache.Layer) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			log.Info().Msg("Connectivity restored, draining deferred queue")
			if _, err := layer.ConnectivityRestored(ctx); err != nil {
				log.Error().Err(err).Msg("Could not drain deferred queue")
			}
		}
	}
}

func logControlRequest(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("Control request")
}
