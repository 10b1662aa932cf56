package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acearchive/keeper/internal/config"
	"github.com/acearchive/keeper/internal/download"
	"github.com/acearchive/keeper/internal/store"
)

var (
	// Global flags
	cfgPath    string
	outputPath string
	logLevel   string
	logFormat  string
	logFile    string
	verbose    bool
	quiet      bool
	globalCfg  *config.Config
	logger     *slog.Logger

	// Global components
	globalStore   *store.Store
	logFileHandle *os.File
)

// initializeComponents opens the local store.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	logger.Debug("components initialized", "db", globalCfg.DBPath())
	return nil
}

// newClient returns a download client tuned by the loaded config.
func newClient() *download.Client {
	client := download.NewClient(logger)
	client.RequestTimeout = globalCfg.Backup.RequestTimeout
	client.StallTimeout = globalCfg.Backup.StallTimeout
	client.RetryBaseDelay = globalCfg.Backup.RetryBaseDelay
	return client
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
		"verify":  true,
	}
	return skipInitCmds[cmdName]
}

// closeComponents releases the store and the log file.
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if logFileHandle != nil {
		_ = logFileHandle.Close()
		logFileHandle = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keeper",
		Short: "Keep an incremental local backup of the Ace Archive",
		Long: `keeper downloads the content of the Ace Archive into a single local zip
file. Later runs only fetch what changed since the last backup. Completed
backups are reported to the Ace Archive registry so the archive knows how
many up-to-date copies exist.`,
		Example: `  keeper backup
  keeper backup --output /srv/acearchive.zip --contact keeper@example.org
  keeper backup --listen 127.0.0.1:8080
  keeper verify
  keeper status
  keeper report`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return setupLogging(nil)
			}

			// Load config
			var findErr error
			if cfgPath == "" {
				cfgPath, findErr = config.FindConfigFile()
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if outputPath != "" {
				globalCfg.Backup.ZipFile = outputPath
			}

			if err := setupLogging(globalCfg); err != nil {
				return err
			}
			if findErr != nil {
				logger.Debug("config file not found, using defaults", "error", findErr)
			}
			logger.Debug("config loaded", "path", cfgPath, "zip_file", globalCfg.Backup.ZipFile)

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd.Name()) {
				if err := globalCfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "path of the backup zip file (overrides backup.zip_file)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "append logs to this file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output on stderr")

	// Add subcommands
	cmd.AddCommand(
		newBackupCmd(),
		newReportCmd(),
		newStatusCmd(),
		newVerifyCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger from the flags, falling back to
// the backup section of cfg for the log file and verbosity.
func setupLogging(cfg *config.Config) error {
	level := parseLevel(logLevel)
	path := logFile
	if cfg != nil {
		if path == "" {
			path = cfg.Backup.LogFile
		}
		if cfg.Backup.Verbose {
			level = slog.LevelDebug
		}
	}
	if verbose {
		level = slog.LevelDebug
	}

	var writers []io.Writer
	if !quiet {
		writers = append(writers, os.Stderr)
	}
	if path != "" && logFileHandle == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFileHandle = f
	}
	if logFileHandle != nil {
		writers = append(writers, logFileHandle)
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: utcTime}
	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func utcTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		a.Value = slog.TimeValue(a.Value.Time().UTC())
	}
	return a
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
		"init":    true,
	}
	return skipConfigCmds[cmdName]
}
