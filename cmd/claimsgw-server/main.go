package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/claimsgw/internal/config"
	"github.com/ehr/claimsgw/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claimsgw-server",
		Short: "Insurance claims submission and reconciliation gateway",
	}
	rootCmd.PersistentFlags().Bool("memory", false, "Keep claims and submissions in memory instead of PostgreSQL")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the background dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, _ := cmd.Flags().GetBool("memory")
			return runServer(memory)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationsFS(dir)), pool.Close, nil
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending submissions to the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, _ := cmd.Flags().GetBool("memory")
			watch, _ := cmd.Flags().GetBool("watch")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, memory)
			if err != nil {
				return err
			}
			defer a.Close()

			if watch {
				interval := a.cfg.DispatchInterval
				if interval <= 0 {
					return fmt.Errorf("--watch needs a positive DISPATCH_INTERVAL")
				}
				a.logger.Info().Dur("interval", interval).Msg("dispatcher watching")
				return a.dispatcher.Run(ctx, interval)
			}

			n, err := a.dispatcher.RunPendingBatch(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Dispatched %d submission(s).\n", n)
			return nil
		},
	}
	cmd.Flags().Bool("watch", false, "Keep dispatching every DISPATCH_INTERVAL until interrupted")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fold gateway assessments into claims",
	}

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull the assessment for one transaction and reconcile it",
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, _ := cmd.Flags().GetBool("memory")
			txID, _ := cmd.Flags().GetString("transaction")
			if txID == "" {
				return fmt.Errorf("--transaction is required")
			}

			a, err := bootstrap(cmd.Context(), memory)
			if err != nil {
				return err
			}
			defer a.Close()

			outcomes, err := a.claims.PullAssessment(cmd.Context(), txID)
			if err != nil {
				return err
			}

			fmt.Printf("%-24s %-10s %-10s %s\n", "CLAIM", "OUTCOME", "STATUS", "MESSAGE")
			for _, o := range outcomes {
				status := ""
				if o.Status != nil {
					status = o.Status.String()
				}
				fmt.Printf("%-24s %-10s %-10s %s\n", o.ClaimCode, o.Outcome, status, o.Message)
			}
			return nil
		},
	}
	pullCmd.Flags().String("transaction", "", "Gateway transaction id")
	cmd.AddCommand(pullCmd)

	return cmd
}

func runServer(memory bool) error {
	ctx := context.Background()

	a, err := bootstrap(ctx, memory)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	e := newServer(a)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	if a.cfg.DispatchInterval > 0 {
		go a.dispatcher.Run(dispatchCtx, a.cfg.DispatchInterval)
		logger.Info().Dur("interval", a.cfg.DispatchInterval).Msg("dispatcher started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopDispatch()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// bootstrap loads and validates configuration and wires the application.
func bootstrap(ctx context.Context, memory bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !memory {
		if err := cfg.RequireDatabase(); err != nil {
			return nil, fmt.Errorf("%w (or pass --memory)", err)
		}
	}
	return newApp(ctx, cfg, newLogger(cfg.Env), memory)
}
