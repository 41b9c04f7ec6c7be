package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harrylevesque/biotimesync/internal/api"
	"github.com/harrylevesque/biotimesync/internal/attendance"
	"github.com/harrylevesque/biotimesync/internal/auth"
	"github.com/harrylevesque/biotimesync/internal/biotime"
	"github.com/harrylevesque/biotimesync/internal/certs"
	"github.com/harrylevesque/biotimesync/internal/config"
	"github.com/harrylevesque/biotimesync/internal/crypto"
	"github.com/harrylevesque/biotimesync/internal/files"
	"github.com/harrylevesque/biotimesync/internal/jobs"
	"github.com/harrylevesque/biotimesync/internal/store"
	"github.com/harrylevesque/biotimesync/internal/syncer"
	"github.com/harrylevesque/biotimesync/internal/utils"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "biotimesync-server",
		Short:         "BioTime attendance sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	root.AddCommand(serveCmd(), hashPasswordCmd(), initConfigCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the job workers and the periodic sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			lg, err := utils.NewLogger(cfg.LogOptions())
			if err != nil {
				return err
			}
			defer lg.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, lg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	masterKey, err := crypto.ReadMasterKey(cfg.MasterKeyPath())
	if err != nil {
		return err
	}
	if len(cfg.Auth.Admins) == 0 {
		lg.Warn("no admins configured; every /api route except login will reject requests")
	}

	st, err := store.Open(cfg.DatabasePath(), loc, lg.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	cs, err := files.NewConnectorStore(cfg.Data.Dir, masterKey)
	if err != nil {
		return err
	}

	tokens := syncer.NewTokens(cs, biotime.Options{
		Timeout: cfg.GetRequestTimeout(),
		Limiter: biotime.NewLimiter(cfg.BioTime.RateLimit, cfg.BioTime.Burst),
		Logger:  lg.Named("biotime"),
	})
	sy := syncer.New(st, tokens, attendance.NewMarker(st, lg.Named("attendance")), syncer.Options{
		MaxAttempts:  cfg.BioTime.MaxAttempts,
		Backoff:      cfg.GetRetryBackoff(),
		Concurrency:  cfg.BioTime.Concurrency,
		ByIDPageSize: cfg.BioTime.ByIDPageSize,
		Logger:       lg.Named("syncer"),
	})

	q, err := jobs.Open(cfg.JobsDatabasePath(), jobs.Options{
		Workers:   cfg.Sync.Workers,
		Timeout:   cfg.GetJobTimeout(),
		Retention: cfg.GetJobRetention(),
		Logger:    lg.Named("jobs"),
	})
	if err != nil {
		return err
	}
	defer q.Close()
	api.RegisterJobs(q, sy)
	if err := q.Start(ctx); err != nil {
		return err
	}

	sched := jobs.NewScheduler(q)
	if every := cfg.GetSyncInterval(); every > 0 {
		switch cfg.Sync.Mode {
		case config.SyncModeID:
			sched.Every(every, api.KindSyncByID, "Biotime Sync By ID", nil)
		default:
			sched.Every(every, api.KindDeviceSync, "Hourly Biotime Sync", nil)
		}
		lg.Info("periodic sync enabled", zap.String("mode", cfg.Sync.Mode), zap.Duration("every", every))
	}
	sched.Start(ctx)
	defer sched.Stop()

	users := make([]auth.User, 0, len(cfg.Auth.Admins))
	for _, a := range cfg.Auth.Admins {
		users = append(users, auth.User{Username: a.Username, PasswordHash: a.PasswordHash})
	}
	authn, err := auth.New(masterKey, users, cfg.GetTokenTTL())
	if err != nil {
		return err
	}

	srv := api.New(api.Deps{
		Store:      st,
		Connectors: cs,
		Syncer:     sy,
		Queue:      q,
		Auth:       authn,
		Logger:     lg.Named("api"),
	})
	hs := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.NewRouter(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		ErrorLog:     zap.NewStdLog(lg.Named("http")),
	}

	var cm *certs.CertManager
	if cfg.TLSEnabled() {
		cm = certs.NewCertManager(cfg.TLSCertPath(), cfg.TLSKeyPath())
		if err := cm.Load(); err != nil {
			return err
		}
		hs.TLSConfig = cm.TLSConfig()
		lg.Info("tls enabled", zap.Time("not_after", cm.NotAfter()))
		go reloadOnHangup(ctx, cm, lg)
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("server listening", zap.String("addr", cfg.Server.Addr), zap.String("timezone", loc.String()))
		var err error
		if cm != nil {
			err = hs.ListenAndServeTLS("", "")
		} else {
			err = hs.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", zap.Error(err))
	}
	return nil
}

// reloadOnHangup re-reads the key pair on SIGHUP so renewed certificates are
// picked up without a restart.
func reloadOnHangup(ctx context.Context, cm *certs.CertManager, lg *zap.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := cm.Load(); err != nil {
				lg.Error("certificate reload failed", zap.Error(err))
				continue
			}
			lg.Info("certificate reloaded", zap.Time("not_after", cm.NotAfter()))
		}
	}
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for auth.admins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			pw := strings.TrimRight(line, "\r\n")
			if pw == "" {
				return errors.New("password must not be empty")
			}
			h, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration to --config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", configPath)
			}
			if err := config.DefaultConfig().Save(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s at %s\n", configPath, time.Now().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
