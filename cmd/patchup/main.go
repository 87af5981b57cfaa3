package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/patchup/patchup/internal/codec"
	"github.com/patchup/patchup/internal/config"
	"github.com/patchup/patchup/internal/engine"
	"github.com/patchup/patchup/internal/manifest"
	"github.com/patchup/patchup/internal/remote"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Update command flags
	selfPatch  bool
	skipVerify bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchup",
	Short: "Reconcile a local install tree against a version manifest",
	Long: `patchup compares a local file tree against a declarative version manifest,
fetches only the files that differ as compressed objects, verifies their
integrity, and installs them in place, or into a staging directory when the
live files may be locked (self-patching mode).

It is meant to be invoked by a host application before startup, or by a
surrounding updater process that swaps staged files into place afterwards.`,
	SilenceUsage: true,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch and install every file that differs from the manifest",
	Long: `Update loads the version manifest, decides which files are stale and which
of those need a network transfer (previously downloaded objects are reused
from the cache), optionally verifies that every object exists on the remote
with the expected size, then downloads, verifies and installs the files one
at a time.

A failed run changes nothing beyond the files already installed; running
update again resumes where the failure left off.`,
	RunE: runUpdate,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report what an update would do without changing anything",
	Long: `Check computes the update and download sets against the manifest and prints
their sizes. No network transfer beyond fetching the manifest itself and no
filesystem change is performed.`,
	RunE: runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchup %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchup/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Update command flags
	updateCmd.Flags().BoolVar(&selfPatch, "self-patch", false, "install into the staging directory instead of the live tree")
	updateCmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip the remote pre-flight existence/size check")

	// Add commands
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	src := remote.NewHTTPSource(0)

	man, err := loadManifest(ctx, cfg, src, logger)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	eng := engine.New(engineOptions(cfg, src, logger))

	logger.Info("starting update", "version", man.Version, "self_patch", cfg.Update.SelfPatch)
	switch result := eng.Run(ctx, man); result {
	case engine.ResultSuccess:
		if cfg.Update.SelfPatch {
			logger.Info("staged update ready", "staging_dir", cfg.Paths.StagingDir)
		}
		return nil
	case engine.ResultUpToDate:
		return nil
	default:
		status := eng.Status()
		return fmt.Errorf("update failed (%s): %s", status.FailReason(), status.FailDetail())
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	src := remote.NewHTTPSource(0)

	man, err := loadManifest(ctx, cfg, src, logger)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	eng := engine.New(engineOptions(cfg, src, logger))
	updates, downloads, err := eng.Plan(ctx, man)
	if err != nil {
		return err
	}

	if len(updates) == 0 {
		logger.Info("already up to date", "version", man.Version)
		return nil
	}

	logger.Info("update pending",
		"version", man.Version,
		"stale_files", len(updates),
		"to_download", len(downloads))
	for _, item := range updates {
		logger.Debug("stale file", "path", item.Path, "size", item.Size)
	}
	return nil
}

// applyFlagOverrides lets update/check flags override the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("self-patch") {
		cfg.Update.SelfPatch = selfPatch
	}
	if cmd.Flags().Changed("skip-verify") && skipVerify {
		cfg.Source.VerifyRemote = false
	}
}

func engineOptions(cfg *config.Config, src remote.Source, logger *slog.Logger) engine.Options {
	var gate remote.Gate = remote.NoGate{}
	if cfg.Source.MaintenanceURL != "" {
		gate = remote.NewProbeGate(src, cfg.Source.MaintenanceURL)
	}

	return engine.Options{
		InstallDir:   cfg.Paths.InstallDir,
		StagingDir:   cfg.Paths.StagingDir,
		CacheDir:     cfg.Paths.CacheDir,
		BaseURL:      cfg.Source.BaseURL,
		SelfPatch:    cfg.Update.SelfPatch,
		VerifyRemote: cfg.Source.VerifyRemote,
		Source:       src,
		Decompressor: codec.XZ{},
		Gate:         gate,
		Logger:       logger,
	}
}

// loadManifest reads the manifest from the configured local file, or fetches
// it from the manifest URL into a temp file first.
func loadManifest(ctx context.Context, cfg *config.Config, src remote.Source, logger *slog.Logger) (*manifest.Manifest, error) {
	if cfg.Source.ManifestFile != "" {
		logger.Debug("loading manifest", "file", cfg.Source.ManifestFile)
		return manifest.Load(cfg.Source.ManifestFile)
	}

	tmp, err := os.CreateTemp("", "patchup-manifest-*.yaml")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	logger.Debug("fetching manifest", "url", cfg.Source.ManifestURL)
	if err := src.Fetch(ctx, cfg.Source.ManifestURL, tmpPath, 0); err != nil {
		return nil, err
	}
	return manifest.Load(tmpPath)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/patchup/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"base_url", cfg.Source.BaseURL,
		"install_dir", cfg.Paths.InstallDir,
		"cache_dir", cfg.Paths.CacheDir,
		"self_patch", cfg.Update.SelfPatch)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
