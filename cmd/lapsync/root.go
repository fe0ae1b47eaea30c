package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/internal/logging"
	intOtel "github.com/lapsync/engine/internal/otel"
	"github.com/lapsync/engine/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	AppName string = "lapsync"
)

// flags
var (
	configDir     string
	logLevelFlag  string
	logToConsole  bool
	shutdownDelay = 5 * time.Second
)

// global variables
var (
	SessionStartTime time.Time = time.Now()

	LogFilePath string
	LogFile     *lumberjack.Logger

	// SlogManager handles all slog-based logging
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger

	// ZLogger feeds the control loop, storage and telemetry adapters
	ZLogger zerolog.Logger

	// OTelProvider handles OpenTelemetry
	OTelProvider *intOtel.Provider

	graylogWriter *gelf.Writer

	// activeSession is reported in every log record while a command runs one
	activeSession atomic.Pointer[session.Session]
)

var rootCmd = &cobra.Command{
	Use:           AppName,
	Short:         "Frame-accurate multi-stream playback and lap synchronization",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding "+config.ConfigFile+" and .env")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToConsole, "log-console", false, "log to the console instead of the log file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() error {
	if err := config.Load(configDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config, using defaults: %v\n", err)
	}

	level := config.GetString("logLevel")
	if logLevelFlag != "" {
		level = logLevelFlag
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	LogFilePath = logging.LogFilePath(logsDir, AppName, SessionStartTime)
	LogFile = logging.NewRotatingFile(LogFilePath)

	// Initialize OTel provider if enabled (after log file is created)
	otelCfg := config.GetOTelConfig()
	var otelLogProvider *sdklog.LoggerProvider
	if otelCfg.Enabled {
		var err error
		OTelProvider, err = intOtel.New(context.Background(), intOtel.Config{
			ServiceName:    otelCfg.ServiceName,
			ServiceVersion: CurrentVersion,
			ExportTimeout:  otelCfg.BatchTimeout,
			LogWriter:      LogFile,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize OTel provider: %v\n", err)
		} else {
			otelLogProvider = OTelProvider.LoggerProvider()
		}
	}

	opts := []logging.SetupOption{
		logging.WithContext(func() []slog.Attr {
			if s := activeSession.Load(); s != nil {
				return s.LogAttrs()
			}
			return nil
		}),
	}
	if config.GetBool("graylog.enabled") {
		w, err := logging.NewGraylogWriter(config.GetString("graylog.address"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to Graylog: %v\n", err)
		} else {
			graylogWriter = w
			opts = append(opts, logging.WithGELF(w))
		}
	}

	SlogManager = logging.NewSlogManager()
	if logToConsole {
		SlogManager.Setup(nil, level, otelLogProvider, opts...)
	} else {
		SlogManager.Setup(LogFile, level, otelLogProvider, opts...)
	}
	Logger = SlogManager.Logger()

	ZLogger = newZeroLogger(level, logToConsole)
	Logger.Info("Begin logging", "path", LogFilePath, "version", CurrentVersion)
	return nil
}

func newZeroLogger(level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	out := zerolog.ConsoleWriter{Out: LogFile, TimeFormat: time.RFC3339, NoColor: true}
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

func teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDelay)
	defer cancel()

	if SlogManager != nil {
		if err := SlogManager.Flush(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to flush logs: %v\n", err)
		}
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to shut down OTel: %v\n", err)
		}
	}
	if graylogWriter != nil {
		_ = graylogWriter.Close()
	}
	if LogFile != nil {
		_ = LogFile.Close()
	}
}
