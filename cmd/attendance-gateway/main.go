package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/config"
	"github.com/attendkit/attendance-gateway/internal/logger"
	"github.com/attendkit/attendance-gateway/internal/orchestrator"
	"github.com/attendkit/attendance-gateway/internal/pairing"
	"github.com/attendkit/attendance-gateway/internal/scheduler"
	"github.com/attendkit/attendance-gateway/internal/server"
	"github.com/attendkit/attendance-gateway/internal/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "attendance-gateway",
		Short:         "Syncs attendance punches from biometric and networked devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/local.yaml", "Path to configuration file")

	root.AddCommand(
		serveCmd(&configPath),
		syncCmd(&configPath),
		usersCmd(&configPath),
		probeCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *store.Store
	service *orchestrator.Service
}

func bootstrap(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	st, err := store.New(cfg.StoragePath, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// The registry file is the configuration source of truth; the store
	// carries the snapshot the sync core reads.
	if _, err := os.Stat(cfg.DevicesPath); err == nil {
		reg, err := config.LoadRegistry(cfg.DevicesPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := st.Seed(context.Background(), reg.Devices, reg.Mappings); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to seed device registry: %w", err)
		}
		log.Info("Device registry loaded",
			zap.String("path", cfg.DevicesPath),
			zap.Int("devices", len(reg.Devices)),
			zap.Int("mappings", len(reg.Mappings)),
		)
	}

	opts := orchestrator.CycleOptions{
		Pairing: pairing.Options{
			StaleSessionAfter:  time.Duration(cfg.Sync.StaleSessionHours * float64(time.Hour)),
			MinSessionDuration: time.Duration(cfg.Sync.MinSessionMinutes * float64(time.Minute)),
			ClockSkewTolerance: time.Duration(cfg.Sync.ClockSkewToleranceMinutes * float64(time.Minute)),
		},
		DedupMargin:     time.Duration(cfg.Sync.DedupWindowHours * float64(time.Hour)),
		InitialLookback: time.Duration(cfg.Sync.InitialLookbackHours) * time.Hour,
	}
	svc := orchestrator.NewService(st, opts,
		time.Duration(cfg.Sync.CycleTimeoutSeconds)*time.Second, log.Logger)

	return &app{cfg: cfg, log: log, store: st, service: svc}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("Failed to close store", zap.Error(err))
	}
	a.log.Sync()
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint, sync API and auto-sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sched := scheduler.New(a.service, a.store,
				time.Duration(a.cfg.Sync.DefaultIntervalMinutes)*time.Minute, a.log.Logger)
			sched.Start()
			defer sched.Stop()

			var httpServer *http.Server
			if a.cfg.Server.Enabled {
				router := server.NewRouter(a.service, a.store, a.log.Logger)
				httpServer = &http.Server{
					Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
					Handler:      router,
					ReadTimeout:  15 * time.Second,
					WriteTimeout: 30 * time.Second,
					IdleTimeout:  60 * time.Second,
				}
				go func() {
					a.log.Info("Starting HTTP server", zap.Int("port", a.cfg.Server.Port))
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						a.log.Error("HTTP server error", zap.Error(err))
					}
				}()
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit
			a.log.Info("Received shutdown signal", zap.String("signal", sig.String()))

			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					a.log.Warn("HTTP server shutdown error", zap.Error(err))
				}
			}
			return nil
		},
	}
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [device-id]",
		Short: "Run one sync cycle for a device, or all active devices",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if len(args) == 1 {
				result, err := a.service.RunCycle(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(result)
			}

			results, err := a.service.RunAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
}

func usersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "users <device-id>",
		Short: "Fetch the user directory from a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			users, err := a.service.ListUsers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(users)
		},
	}
}

func probeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <device-id>",
		Short: "Test the connection to a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.service.Probe(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			fmt.Println("connection ok")
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
