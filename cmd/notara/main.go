package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/notara/internal/alarm"
	"github.com/dukerupert/notara/internal/backup"
	"github.com/dukerupert/notara/internal/config"
	"github.com/dukerupert/notara/internal/database"
	"github.com/dukerupert/notara/internal/keys"
	"github.com/dukerupert/notara/internal/logging"
	"github.com/dukerupert/notara/internal/migrate"
	"github.com/dukerupert/notara/internal/push"
	"github.com/dukerupert/notara/internal/server"
	"github.com/dukerupert/notara/internal/store"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "notara",
		Short:        "Storage and alarm service for Notara sticky notes and alerts",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./notara.yaml)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		reconcileCmd(),
		backupCmd(),
		restoreCmd(),
		vapidCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command needs: config, a logger and the opened store.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	kv     *store.KV
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupFormat(cfg.LogLevel, cfg.LogFormat)

	db, dialect, err := database.Connect(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, db: db, kv: store.NewKV(db, dialect)}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the alarm scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.db.Close()

			srv := server.New(e.kv, e.cfg, e.logger)
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer srv.Stop()

			httpServer := &http.Server{
				Addr:              ":" + e.cfg.Port,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("notara starting", "addr", httpServer.Addr, "driver", e.cfg.Database.Driver)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			case <-ctx.Done():
			}

			e.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Rename keys stored under the legacy webnoter prefixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.db.Close()

			report, err := migrate.Legacy(ctx, e.kv, keys.LegacyRenames())
			if err != nil {
				return err
			}
			if report.Empty() {
				fmt.Println("Nothing to migrate.")
				return nil
			}
			fmt.Printf("Copied %d, skipped %d, removed %d legacy keys.\n", report.Copied, report.Skipped, report.Removed)
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Show the alarms that stored alerts would register",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.db.Close()

			timers := alarm.NewTimerService(e.logger)
			defer timers.Close()
			alerts := store.NewAlertStore(e.kv)
			sched := alarm.NewScheduler(alerts, timers, alarm.LogNotifier{Logger: e.logger}, e.logger)

			n, err := sched.Reconcile(ctx)
			if err != nil {
				return err
			}

			list, err := alerts.List(ctx)
			if err != nil {
				return err
			}
			describe := make(map[string]string, len(list))
			for _, a := range list {
				if a.Schedule != nil {
					describe[a.Schedule.AlarmName] = alarm.Describe(*a.Schedule)
				}
			}

			fmt.Printf("%d alarm(s) registered\n", n)
			for _, p := range timers.Pending() {
				fmt.Printf("  %-32s next %s  %s\n", p.Name, p.Next.Local().Format(time.RFC1123), describe[p.Name])
			}
			return nil
		},
	}
}

func newBackupManager(e *env) *backup.Manager {
	return backup.NewManager(e.cfg.S3Config(), e.kv, store.NewBackupStore(e.kv), e.logger.With("component", "backup"), nil)
}

func backupCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload one encrypted snapshot of the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.db.Close()

			b, err := newBackupManager(e).RunNow(ctx, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s (%d keys, %d bytes)\n", b.S3Key, b.Keys, b.SizeBytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encryption passphrase")
	cmd.MarkFlagRequired("passphrase")
	return cmd
}

func restoreCmd() *cobra.Command {
	var key, passphrase string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the store with an uploaded snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx)
			if err != nil {
				return err
			}
			defer e.db.Close()

			n, err := newBackupManager(e).Restore(ctx, key, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d keys from %s\n", n, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "S3 object key of the snapshot")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encryption passphrase")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("passphrase")
	return cmd
}

func vapidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for push notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Printf("NOTARA_PUSH_VAPID_PUBLIC_KEY=%s\nNOTARA_PUSH_VAPID_PRIVATE_KEY=%s\n", pub, priv)
			return nil
		},
	}
}
