// Command socialscope runs the on-device capture and sync daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"socialscope/bridge"
	"socialscope/checkin"
	"socialscope/config"
	"socialscope/enroll"
	"socialscope/spooler"
	"socialscope/telemetry"
)

const (
	Version = "0.1.0"
	appName = "socialscope"
)

type globalFlags struct {
	configPath  string
	logLevel    string
	dbPath      string
	participant string
	remoteKind  string
	dev         bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Offline-first capture and sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file path")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.dbPath, "db", "socialscope.db", "SQLite database path (overrides database.path)")
	cmd.PersistentFlags().StringVar(&g.participant, "participant", "", "Participant id (overrides participant.id)")
	cmd.PersistentFlags().StringVar(&g.remoteKind, "remote", "", "Remote store kind: nats, embedded, http, memory (overrides remote.kind)")
	cmd.PersistentFlags().BoolVar(&g.dev, "dev", false, "Allow the in-memory remote store; synced records are not kept anywhere")

	cmd.AddCommand(runCmd(&g), syncCmd(&g), purgeCmd(&g), enrollCmd(&g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

// loadConfig merges file, environment and explicitly set flags, in that
// order of precedence from lowest to highest.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.File, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("db") {
		cfg.Database.Path = g.dbPath
	}
	if flags.Changed("participant") {
		cfg.Participant.ID = g.participant
	}
	if flags.Changed("remote") {
		cfg.Remote.Kind = strings.ToLower(strings.TrimSpace(g.remoteKind))
	}
	if flags.Changed("dev") {
		cfg.Remote.AllowMemory = g.dev
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, g *globalFlags) (*app, error) {
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	return newApp(cmd.Context(), cfg, logger)
}

func runCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge, the sync scheduler and the question set watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer a.close()
			if cmd.Flags().Changed("addr") {
				a.cfg.HTTP.Addr = addr
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "Bridge listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	shutdownTracing, err := telemetry.Setup(ctx, appName, cfg.Telemetry.Endpoint, cfg.Participant.ID)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if _, err := a.enroller.Ensure(ctx, cfg.Participant.ID); err != nil {
		logger.Warn("enrollment rejected, capturing locally only", "participant_id", cfg.Participant.ID, "error", err)
	}

	flows := checkin.NewRegistry(time.Hour)
	router := bridge.NewRouter(bridge.Deps{
		Ingest:   a.gateway,
		Capture:  a.gate,
		Sync:     a.scheduler,
		Pending:  a.store,
		Checkins: a.checkins,
		Flows:    flows,
		Audit:    a.store,
		Gatherer: a.registry,
		Token:    cfg.HTTP.Token,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("bridge listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bridge: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.Checkin.Questions != "" {
		g.Go(func() error {
			return checkin.WatchQuestionSet(gctx, cfg.Checkin.Questions, logger, a.checkins.SetQuestionSet)
		})
	}
	g.Go(func() error {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if n := flows.Sweep(); n > 0 {
					logger.Debug("check-in flows swept", "removed", n)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func syncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one enrichment and upload cycle and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer a.close()
			st, err := a.scheduler.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func purgeCmd(g *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced local records older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer a.close()

			age := a.cfg.Database.Retention
			if cmd.Flags().Changed("older-than") || age <= 0 {
				age = olderThan
			}
			counts, err := a.store.Purge(time.Now().Add(-age))
			if err != nil {
				return err
			}
			for _, c := range spooler.Classes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d\n", c, counts[c])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age of purged records (overrides database.retention)")
	return cmd
}

func enrollCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll",
		Short: "Enroll the configured participant with the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, g)
			if err != nil {
				return err
			}
			defer a.close()
			rec, err := a.enroller.Ensure(cmd.Context(), a.cfg.Participant.ID)
			if errors.Is(err, enroll.ErrNotRegistered) {
				return fmt.Errorf("participant %s is not registered", a.cfg.Participant.ID)
			}
			if err != nil {
				return err
			}
			if rec.Enrolled {
				fmt.Fprintf(cmd.OutOrStdout(), "participant %s enrolled\n", rec.ParticipantID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "participant %s pending (attempts %d): %s\n", rec.ParticipantID, rec.Attempts, rec.LastError)
			return nil
		},
	}
}
