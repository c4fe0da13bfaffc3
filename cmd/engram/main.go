package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/engram/internal/app"
	"github.com/iammorganparry/clive/apps/engram/internal/config"
	"github.com/iammorganparry/clive/apps/engram/internal/lifecycle"
	"github.com/iammorganparry/clive/apps/engram/internal/mcp"
	"github.com/iammorganparry/clive/apps/engram/internal/scheduler"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "engram",
	Short:         "engram - long-term memory for coding agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background scheduler",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio, delegating to a running server",
	RunE:  runMCP,
}

var importanceCmd = &cobra.Command{
	Use:   "importance",
	Short: "Recompute importance scores",
	RunE: withJob(scheduler.JobImportance, func(ctx context.Context, a *app.App) (any, error) {
		return a.Lifecycle.UpdateImportance(ctx, limitFlag)
	}),
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive records whose utility is below the threshold",
	RunE: withJob(scheduler.JobArchive, func(ctx context.Context, a *app.App) (any, error) {
		p := lifecycle.ArchiveParams{MaxArchive: limitFlag, DryRun: dryRunFlag}
		if thresholdSet {
			p.Threshold = &thresholdFlag
		}
		return a.Lifecycle.ArchiveLowUtility(ctx, p)
	}),
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge clusters of near-duplicate records",
	RunE: withJob(scheduler.JobConsolidate, func(ctx context.Context, a *app.App) (any, error) {
		return a.Lifecycle.Consolidate(ctx, lifecycle.ConsolidateParams{
			OlderThanDays: olderThanFlag, Limit: limitFlag, DryRun: dryRunFlag,
		})
	}),
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Permanently remove archived records",
	RunE: withJob(scheduler.JobPurge, func(ctx context.Context, a *app.App) (any, error) {
		return a.Lifecycle.PurgeArchived(ctx, lifecycle.PurgeParams{
			OlderThanDays: olderThanFlag, Limit: limitFlag, DryRun: dryRunFlag,
		})
	}),
}

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Infer relationships between recent records",
	RunE: withJob(scheduler.JobInfer, func(ctx context.Context, a *app.App) (any, error) {
		return a.Inference.InferRelationships(ctx, time.Duration(lookbackFlag)*time.Hour)
	}),
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay queued index repairs",
	RunE: withJob(scheduler.JobReconcile, func(ctx context.Context, a *app.App) (any, error) {
		return a.Reconciler.Run(ctx, limitFlag)
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print record counts",
	RunE: withApp(func(ctx context.Context, a *app.App) (any, error) {
		return a.Service.Stats(ctx)
	}),
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Print background job state",
	RunE: withApp(func(ctx context.Context, a *app.App) (any, error) {
		return a.Service.Jobs(ctx)
	}),
}

var (
	envFile       string
	limitFlag     int
	thresholdFlag float64
	olderThanFlag int
	lookbackFlag  int
	dryRunFlag    bool
	thresholdSet  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	for _, c := range []*cobra.Command{importanceCmd, archiveCmd, consolidateCmd, purgeCmd, reconcileCmd} {
		c.Flags().IntVar(&limitFlag, "limit", 0, "maximum records to process (0 uses the configured default)")
	}
	for _, c := range []*cobra.Command{archiveCmd, consolidateCmd, purgeCmd} {
		c.Flags().BoolVar(&dryRunFlag, "dry-run", false, "report what would change without writing")
	}
	archiveCmd.Flags().Float64Var(&thresholdFlag, "threshold", 0, "utility threshold (unset uses the configured default, 0 archives nothing)")
	archiveCmd.PreRun = func(cmd *cobra.Command, args []string) {
		thresholdSet = cmd.Flags().Changed("threshold")
	}
	consolidateCmd.Flags().IntVar(&olderThanFlag, "older-than-days", 0, "only consider records older than this")
	purgeCmd.Flags().IntVar(&olderThanFlag, "older-than-days", 0, "only purge records archived longer than this")
	inferCmd.Flags().IntVar(&lookbackFlag, "lookback-hours", 0, "how far back to look (0 uses the configured default)")

	rootCmd.AddCommand(serveCmd, mcpCmd, importanceCmd, archiveCmd, consolidateCmd,
		purgeCmd, inferCmd, reconcileCmd, statsCmd, jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "engram: %s\n", err)
		os.Exit(1)
	}
}

// newLogger writes JSON to stderr; stdout carries command output and the
// MCP protocol.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, newLogger(cfg.LogLevel))
}

// withApp builds an App, runs fn and prints its result as JSON.
func withApp(fn func(ctx context.Context, a *app.App) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := fn(ctx, a)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

// withJob is withApp under the pass's job lease, so a CLI run never overlaps
// a server on the same database. A held lease prints a skipped status.
func withJob(name string, fn func(ctx context.Context, a *app.App) (any, error)) func(*cobra.Command, []string) error {
	return withApp(func(ctx context.Context, a *app.App) (any, error) {
		out, err := scheduler.Do(ctx, a.Scheduler, name, func(ctx context.Context) (any, error) {
			return fn(ctx, a)
		})
		if errors.Is(err, scheduler.ErrBusy) {
			return map[string]string{"job": name, "status": "skipped"}, nil
		}
		return out, err
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger

	addr := fmt.Sprintf(":%d", a.Config.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("engram server starting", "addr", addr, "version", version,
			"embedding", a.Config.Embedding.Provider, "vector_backend", a.Config.Vector.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.Scheduler.Start()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	a.Scheduler.Stop(shutdownCtx)

	logger.Info("server stopped")
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(cfg.ServerURL, cfg.APIKey, version, newLogger(cfg.LogLevel))
	return server.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}
