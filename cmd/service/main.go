// cmd/service/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github-commit-stats/internal/api"
	"github-commit-stats/internal/clock"
	"github-commit-stats/internal/config"
	"github-commit-stats/internal/github"
	"github-commit-stats/internal/service"
	"github-commit-stats/internal/stats"
	"github-commit-stats/internal/store"
	"github-commit-stats/internal/syncer"
)

const (
	shutdownTimeout = 10 * time.Second
	requestTimeout  = 30 * time.Minute
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by all commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	syncer  *syncer.Syncer
	service *service.Service
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "commit-stats",
		Short:         "Sync GitHub commit history and serve statistics over it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configDir, serve)
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding an optional .env file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the periodic sync",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, configDir, serve)
			},
		},
		&cobra.Command{
			Use:   "sync [username...]",
			Short: "Run one sync pass for the given users, or for all configured users",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, configDir, func(ctx context.Context, a *app) error {
					return runSync(ctx, a, args, cmd.OutOrStdout())
				})
			},
		},
		newBackfillCmd(&configDir),
		&cobra.Command{
			Use:   "refresh <username>",
			Short: "Clear the fetch markers of a user so every month is fetched again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, configDir, func(ctx context.Context, a *app) error {
					return a.service.Refresh(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print per-user commit and size coverage",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, configDir, func(ctx context.Context, a *app) error {
					status, err := a.service.FetchStatus(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), status)
				})
			},
		},
		&cobra.Command{
			Use:   "stats <username...>",
			Short: "Print combined statistics for one or more users",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, configDir, func(ctx context.Context, a *app) error {
					combined, err := a.service.CombinedStats(ctx, args)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), combined.String())
					return nil
				})
			},
		},
	)
	return root
}

func newBackfillCmd(configDir *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill <username>",
		Short: "Fetch missing sizes of change for a user's stored commits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configDir, func(ctx context.Context, a *app) error {
				report, err := a.service.BackfillSizes(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum commits to look up (default SIZE_BATCH_LIMIT)")
	return cmd
}

// withApp wires the application, runs fn until it returns or a shutdown signal arrives, and closes the store.
func withApp(cmd *cobra.Command, configDir string, fn func(context.Context, *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, configDir)
	if err != nil {
		return err
	}
	defer a.store.Close()

	return fn(ctx, a)
}

func newApp(ctx context.Context, configDir string) (*app, error) {
	// Structured logger, level set once the configuration is read.
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "users", cfg.GithubUsers, "db_driver", cfg.DBDriver)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Store ready, migrations applied")

	ghClient, err := github.NewClient(cfg.GithubToken, github.Options{
		BaseURL:         cfg.GithubAPIURL,
		GraphQLURL:      cfg.GithubGraphQLURL,
		RequestDelay:    cfg.RequestDelay,
		RateLimitFloor:  cfg.RateLimitFloor,
		MaxRetries:      cfg.RateLimitMaxRetries,
		SearchPerMinute: cfg.SearchRequestsPerMinute,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create github client: %w", err)
	}

	appSyncer, err := syncer.NewSyncer(st, ghClient, clock.Real{}, logger, syncer.Options{
		Users:          cfg.GithubUsers,
		Start:          cfg.StartTime,
		SizeBatchLimit: cfg.SizeBatchLimit,
		Interval:       cfg.SyncInterval,
		Workers:        cfg.SyncWorkers,
		FetchCalendar:  cfg.FetchCalendar,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	engine := stats.NewEngine(st, clock.Real{}, cfg.StartTime, logger)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		syncer:  appSyncer,
		service: service.New(st, engine, appSyncer, cfg.SizeBatchLimit, logger),
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		st, err := store.NewPostgresStore(ctx, cfg.DBURL, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := store.NewSQLiteStore(cfg.DBURL, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// serve runs the periodic sync and the HTTP API until ctx ends.
func serve(ctx context.Context, a *app) error {
	go a.syncer.Start(ctx)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.NewRouter(a.service, a.logger, requestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received. Exiting.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSync(ctx context.Context, a *app, users []string, out io.Writer) error {
	if len(users) == 0 {
		reports, err := a.syncer.SyncAll(ctx)
		if perr := printJSON(out, reports); perr != nil {
			return perr
		}
		return err
	}

	var errs []error
	for _, u := range users {
		report, err := a.syncer.SyncUser(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", u, err))
		}
		if report != nil {
			if perr := printJSON(out, report); perr != nil {
				return perr
			}
		}
	}
	return errors.Join(errs...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
