package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/pushdeploy/internal/config"
	"github.com/schaermu/pushdeploy/internal/deploy"
	"github.com/schaermu/pushdeploy/internal/git"
	"github.com/schaermu/pushdeploy/internal/remote"
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

	// Deploy flags
	dryRun      bool
	force       bool
	askPassword bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(deploy.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "pushdeploy",
	Short: "Push a local source tree to a single host and restart what changed",
	Long: `pushdeploy bundles a local source tree, uploads it to a remote host over SSH,
extracts it, applies idempotent patch rules to configuration files on the host
and restarts the affected services in dependency order.

Exit codes tell how far a failed run got: 1 config, 2 archive, 3 connection,
4 upload, 5 extract, 6 patch, 7 restart, 8 locked by another deployment.`,
	SilenceUsage: true,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build, upload, extract, patch, restart and verify",
	Long: `Deploy runs the full pipeline against the configured target. Extract
directories that already hold an identical bundle are skipped unless --force
is given. Patch rules are evaluated for every managed file before any file is
written, so a missing anchor leaves the host configuration untouched.`,
	RunE: runDeploy,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what deploy would change without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun = true
		return runDeploy(cmd, args)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove a stale deployment lock from the target host",
	Long: `Unlock removes the lock directory left behind by a deployment that was
killed before it could clean up. Only run it when no deployment is in progress.`,
	RunE: runUnlock,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pushdeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "pushdeploy.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&askPassword, "ask-password", false, "prompt for the SSH password on the terminal")

	// Deploy command flags
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	deployCmd.Flags().BoolVar(&force, "force", false, "extract even when the target already holds the bundle")

	// Add commands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	deployer := deploy.New(cfg, deploy.NewSSHDialer(cfg, askPassword), git.NewShellClient(), logger, deploy.Options{
		DryRun: dryRun,
		Force:  force,
	})

	result, err := deployer.Run(ctx)
	if result != nil {
		printSummary(cmd.OutOrStdout(), result)
	}
	return err
}

func runUnlock(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sess, err := deploy.NewSSHDialer(cfg, askPassword).Dial(ctx)
	if err != nil {
		return &deploy.StageError{Stage: deploy.StageConnected, Err: err}
	}
	defer func() {
		_ = sess.Close()
	}()

	lock := remote.NewDirLock(cfg.Target.LockPath())
	if err := lock.Release(ctx, sess); err != nil {
		return &deploy.StageError{Stage: deploy.StageConnected, Err: err}
	}
	logger.Info("remote lock removed", "host", cfg.Target.Host, "path", lock.Path)
	return nil
}

// printSummary writes a short human readable report of a run
func printSummary(w io.Writer, result *deploy.Result) {
	if result.DryRun {
		plan := result.Plan
		fmt.Fprintf(w, "plan (bundle %s, revision %s):\n", shortDigest(result.Digest), result.Revision)
		for _, e := range plan.Extract {
			fmt.Fprintf(w, "  extract  %s\n", e.Dir)
		}
		for _, dir := range plan.Current {
			fmt.Fprintf(w, "  current  %s\n", dir)
		}
		for _, f := range plan.Files {
			fmt.Fprintf(w, "  patch    %s\n", f)
		}
		for _, s := range plan.Services {
			fmt.Fprintf(w, "  restart  %s\n", s)
		}
		if len(plan.Extract) == 0 && len(plan.Files) == 0 && len(plan.Services) == 0 {
			fmt.Fprintln(w, "  nothing to do")
		}
		return
	}

	fmt.Fprintf(w, "reached %s (bundle %s, revision %s)\n", result.Reached, shortDigest(result.Digest), result.Revision)
	fmt.Fprintf(w, "  extracted: %d  patched: %d  restarted: %d\n",
		len(result.Extracted), len(result.Patched), len(result.Restarted))
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func shortDigest(digest string) string {
	if digest == "" {
		return "none"
	}
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
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

	// Logs go to stderr so stdout carries only the summary
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	logger.Info("loading configuration", "path", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.Root,
		"host", cfg.Target.Host,
		"user", cfg.Target.User,
		"extract", len(cfg.Extract),
		"files", len(cfg.Files),
		"services", len(cfg.Services))

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
