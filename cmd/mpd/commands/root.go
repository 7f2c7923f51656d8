package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dishu2607/missing-person-detection/pkg/cli"
)

var (
	// Global flags
	cfgFile      string
	dataDir      string
	verbose      bool
	logFormat    string
	formatOutput string
	outputFile   string

	// Global configuration (loaded at init time)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "mpd",
	Short: "Missing-person identity matching",
	Long: `mpd - match registered people against faces observed in processed videos.

A reference is a registered person: a face embedding plus optional age,
gender and clothing color. Observations are faces extracted from video
frames by the detection pipeline; each belongs to one job, and each job
processes one video.

Configuration is read from ~/.mpd/config.yaml (see --config). The data
directory holds the record store, the similarity index and its lock.

Examples:
  # Register every face found in an uploaded photo
  mpd reference add -f faces.yaml --upload photo.jpg

  # Ingest observations produced by a processing job
  mpd observe add -f job-42.yaml

  # Rank the observations of one job against a reference
  mpd compare 20240101_120000_photo.jpg_person0 --job job-42 --format table

  # Find the registered people closest to a face
  mpd index search -f probe.yaml -k 3`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. An interrupt cancels the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ~/.mpd/config.yaml)")
	pf.StringVar(&dataDir, "data-dir", "", "data directory (overrides config and MPD_DATA_DIR)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	pf.StringVar(&logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&formatOutput, "format", "yaml", "output format: yaml, json or table")
	pf.StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
}

// configLoadErr stores the error from cli.LoadConfig for deferred reporting.
var configLoadErr error

func initConfig() {
	globalConfig, configLoadErr = nil, nil
	cfg, err := cli.LoadConfig(cfgFile)
	if err != nil {
		// Commands that need the config report this; 'mpd version' does not.
		configLoadErr = err
		return
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logFormat != "" {
		cfg.Log.Format = strings.ToLower(logFormat)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	globalConfig = cfg
	slog.SetDefault(newLogger(cfg.Log))
}

// getConfig returns the global configuration.
func getConfig() (*cli.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		return nil, fmt.Errorf("config not initialized")
	}
	return globalConfig, nil
}

func newLogger(lc cli.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	w := rootCmd.ErrOrStderr()
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// outputResult writes result in the selected --format to stdout or --output.
func outputResult(cmd *cobra.Command, result any) error {
	format, err := cli.ParseFormat(formatOutput)
	if err != nil {
		return err
	}
	opts := cli.OutputOptions{Format: format, File: outputFile}
	if outputFile == "" {
		opts.Writer = cmd.OutOrStdout()
	}
	return cli.Output(result, opts)
}
