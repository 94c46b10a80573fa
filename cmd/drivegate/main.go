package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/auth"
	"github.com/drivegate/drivegate/pkg/config"
	"github.com/drivegate/drivegate/pkg/registry"
	"github.com/drivegate/drivegate/pkg/state"
)

// accessPolicy gates credential resolution against the persisted allow-list.
//
// It starts unbound: during phase one of bootstrap only the admin account can
// resolve, because the state store that holds the allow-list may itself live
// on the admin's drive. Once the store exists it is bound in and every later
// decision consults the latest persisted snapshot.
type accessPolicy struct {
	admin string

	mu    sync.RWMutex
	store state.Store
}

func (p *accessPolicy) bind(store state.Store) {
	p.mu.Lock()
	p.store = store
	p.mu.Unlock()
}

func (p *accessPolicy) snapshot() *state.Snapshot {
	p.mu.RLock()
	store := p.store
	p.mu.RUnlock()
	if store == nil {
		return nil
	}
	snap, err := store.Load(context.Background())
	if err != nil {
		logger.Error("allow-list check failed to load state: %v", err)
		return nil
	}
	return snap
}

func (p *accessPolicy) Allowed(email string) bool {
	if email == p.admin {
		return true
	}
	snap := p.snapshot()
	if snap == nil {
		// Unbound (bootstrap) or unreadable state: only the admin gets in.
		return false
	}
	return snap.Allowed(email)
}

func (p *accessPolicy) Admin(email string) bool {
	return email == p.admin
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	fmt.Println("DriveGate - Protocol Gateway")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		logger.Error("Fatal: %v", err)
		os.Exit(1)
	}
	logger.Info("DriveGate stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Metrics come up first so bootstrap itself is observable.
	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	// Phase one: reach the drive backend and sign in as the admin using only
	// explicit startup parameters. The state store is not touched yet; it may
	// live inside the drive this login unlocks.
	driver, err := config.CreateRemoteDriver(ctx, &cfg.Remote)
	if err != nil {
		return fmt.Errorf("failed to create drive backend: %w", err)
	}
	logger.Info("Drive backend ready: %s", cfg.Remote.Type)

	policy := &accessPolicy{admin: cfg.Bootstrap.AdminEmail}
	creds := auth.NewStore(driver, policy)

	adminClient, err := creds.Resolve(ctx, auth.Material{
		Email:         cfg.Bootstrap.AdminEmail,
		Password:      cfg.Bootstrap.AdminPassword,
		TwoFactorCode: cfg.Bootstrap.AdminTwoFactorCode,
		AuthConfig:    cfg.Bootstrap.AdminAuthConfig,
	})
	if err != nil {
		return fmt.Errorf("admin bootstrap failed for %s: %w", cfg.Bootstrap.AdminEmail, err)
	}
	logger.Info("Admin session established for %s", cfg.Bootstrap.AdminEmail)

	// Phase two: with the admin session in hand, open the state store and
	// bind the allow-list to it.
	store, err := config.CreateStateStore(ctx, &cfg.State, adminClient)
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("State store close error: %v", err)
		}
	}()
	policy.bind(store)
	logger.Info("State store ready: %s", cfg.State.Type)

	opts, err := config.BuildRegistryOptions(cfg, metricsResult.Gateway)
	if err != nil {
		return err
	}

	reg := registry.New(store, creds, opts)

	// Bring up every server whose persisted intent is running. Individual
	// start failures are recorded on the definition, not fatal.
	if err := reg.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reconcile persisted servers: %w", err)
	}

	statuses, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	running := 0
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	logger.Info("Gateway is running: %d server(s) defined, %d up. Press Ctrl+C to stop.",
		len(statuses), running)

	<-ctx.Done()

	logger.Info("Shutdown signal received, draining servers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	reg.Shutdown(shutdownCtx)

	return ctx.Err()
}
