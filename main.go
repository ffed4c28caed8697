package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"appwatch/internal/aggregate"
	"appwatch/internal/api"
	"appwatch/internal/config"
	"appwatch/internal/database"
	"appwatch/internal/probe"
	"appwatch/internal/store"
	appsync "appwatch/internal/sync"
	"appwatch/internal/tracker"
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "appwatch",
		Short:         "Foreground application time tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		runCmd(&configPath, &verbose),
		syncCmd(&configPath),
		statusCmd(&configPath),
		reportCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

type app struct {
	cfg      *config.Config
	db       *database.DB
	store    *store.MinuteStore
	agg      *aggregate.Aggregator
	pipeline *appsync.Pipeline
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	fs := afero.NewOsFs()
	st, err := store.New(fs, cfg.DataDir, slog.Default())
	if err != nil {
		return nil, err
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	agg := aggregate.New(st, fs, cfg.DataDir, slog.Default())
	pipeline := appsync.NewPipeline(cfg, db, agg, st, nil, slog.Default())

	return &app{cfg: cfg, db: db, store: st, agg: agg, pipeline: pipeline}, nil
}

func runCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tracking daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(*verbose)

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sampler := probe.NewDarwinSampler(!a.cfg.FastMode)
			keyFn := tracker.NewKeyFunc(a.cfg.FastMode, probe.CleanTitle)
			monitor := tracker.NewMonitor(sampler, keyFn, a.store, tracker.Options{
				SampleInterval: a.cfg.SampleInterval(),
				IdleThreshold:  a.cfg.IdleThreshold(),
				Stability:      a.cfg.StabilityWindow(),
				Logger:         slog.Default(),
			})

			a.pipeline.StartScheduler(ctx)

			handler := api.NewHandler(a.cfg, a.agg, a.pipeline)
			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)
			server := &http.Server{
				Addr:         a.cfg.ListenAddr,
				Handler:      mux,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			go func() {
				slog.Info("api listening", "addr", a.cfg.ListenAddr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("api server error", "error", err)
				}
			}()

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh
				slog.Info("shutting down...")
				a.pipeline.Stop()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("api shutdown error", "error", err)
				}
				cancel()
			}()

			// Blocks until the signal handler cancels the context; the
			// monitor flushes the open interval before returning.
			if err := monitor.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func syncCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync all pending hours now",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(false)

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()

			results, err := a.pipeline.SyncAll(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Printf("Sync completed: %d synced, %d failed, %d skipped\n",
				results.Synced, results.Failed, results.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "resync delivered hours and re-arm exhausted ones")
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(false)

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()

			status, err := a.pipeline.Status()
			if err != nil {
				return err
			}
			fmt.Println("Sync Status:")
			fmt.Printf("  Device:          %s\n", status.Device)
			fmt.Printf("  Hours available: %d\n", status.HoursSeen)
			fmt.Printf("  Delivered:       %d\n", status.Ledger.Delivered)
			fmt.Printf("  Failed:          %d\n", status.Ledger.Failed)
			if status.Ledger.LastHour != "" {
				fmt.Printf("  Last delivered:  %s\n", status.Ledger.LastHour)
			}
			fmt.Printf("  Endpoint:        %s\n", status.Endpoint)
			return nil
		},
	}
}

func reportCmd(configPath *string) *cobra.Command {
	var dateStr string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print per-application totals for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(false)

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.db.Close()

			if dateStr == "" {
				dateStr = time.Now().UTC().Format("2006-01-02")
			}
			day, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				return fmt.Errorf("invalid date %q, use YYYY-MM-DD", dateStr)
			}

			apps, total, err := a.agg.Day(day)
			if err != nil {
				return err
			}

			type entry struct {
				name    string
				seconds float64
			}
			entries := make([]entry, 0, len(apps))
			for name, seconds := range apps {
				entries = append(entries, entry{name, seconds})
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].seconds > entries[j].seconds })

			fmt.Printf("Activity for %s (UTC)\n", dateStr)
			for _, e := range entries {
				pct := 0.0
				if total > 0 {
					pct = e.seconds / total * 100
				}
				fmt.Printf("  %8.1fs (%4.1f%%)  %s\n", e.seconds, pct, e.name)
			}
			fmt.Printf("Total: %.1f seconds\n", total)
			return nil
		},
	}
	cmd.Flags().StringVar(&dateStr, "date", "", "day to report (YYYY-MM-DD, default today)")
	return cmd
}
