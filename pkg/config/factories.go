package config

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/ssh"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/remote"
	"github.com/drivegate/drivegate/pkg/remote/memory"
	remoteS3 "github.com/drivegate/drivegate/pkg/remote/s3"
	"github.com/drivegate/drivegate/pkg/state"
	stateBadger "github.com/drivegate/drivegate/pkg/state/badger"
	stateMem "github.com/drivegate/drivegate/pkg/state/memory"
	stateRemote "github.com/drivegate/drivegate/pkg/state/remotefile"
)

// CreateRemoteDriver creates a drive backend based on configuration.
//
// This factory function uses the Type field to determine which backend
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the backend's constructor.
//
// Supported types:
//   - "memory": Uses pkg/remote/memory (in-memory drive, ephemeral)
//   - "s3": Uses pkg/remote/s3 (Amazon S3 or compatible object storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Drive backend configuration
//
// Returns:
//   - remote.Driver: Initialized drive backend
//   - error: Configuration or initialization error
func CreateRemoteDriver(ctx context.Context, cfg *RemoteConfig) (remote.Driver, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryDriver(ctx, cfg.Memory)
	case "s3":
		return createS3Driver(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown remote backend type: %q (supported: memory, s3)", cfg.Type)
	}
}

// createMemoryDriver creates an in-memory drive backend, optionally seeded
// with accounts from configuration.
func createMemoryDriver(ctx context.Context, options map[string]any) (remote.Driver, error) {
	// Check context before creating the driver
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Decode backend-specific options
	type MemoryAccount struct {
		Email         string `mapstructure:"email"`
		Password      string `mapstructure:"password"`
		TwoFactorCode string `mapstructure:"two_factor_code"`
	}
	type MemoryDriverOptions struct {
		Accounts []MemoryAccount `mapstructure:"accounts"`
	}

	var driverOpts MemoryDriverOptions
	if err := mapstructure.Decode(options, &driverOpts); err != nil {
		return nil, fmt.Errorf("failed to decode memory backend options: %w", err)
	}

	driver := memory.NewDriver()
	for i, account := range driverOpts.Accounts {
		if account.Email == "" || account.Password == "" {
			return nil, fmt.Errorf("memory backend: accounts[%d] needs email and password", i)
		}
		driver.AddAccount(account.Email, account.Password, account.TwoFactorCode)
	}

	return driver, nil
}

// createS3Driver creates an S3-backed drive backend.
func createS3Driver(ctx context.Context, options map[string]any) (remote.Driver, error) {
	// Decode the options into the backend's own config struct
	var driverCfg remoteS3.Config
	if err := mapstructure.Decode(options, &driverCfg); err != nil {
		return nil, fmt.Errorf("failed to decode s3 backend options: %w", err)
	}

	driver, err := remoteS3.NewDriver(ctx, &driverCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 backend: %w", err)
	}

	logger.Info("S3 drive backend initialized: bucket=%s, region=%s, prefix=%s",
		driverCfg.Bucket, driverCfg.Region, driverCfg.KeyPrefix)

	return driver, nil
}

// CreateStateStore creates a state store based on configuration.
//
// This factory function uses the Type field to determine which store
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": Uses pkg/state/memory (in-memory storage, ephemeral)
//   - "badger": Uses pkg/state/badger (BadgerDB storage, persistent)
//   - "remotefile": Uses pkg/state/remotefile (snapshot stored in the admin
//     drive itself)
//
// The remotefile store persists state inside the remote account, so it needs
// the admin session established during bootstrap.
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: State store configuration
//   - adminClient: Admin drive session (required for "remotefile", ignored
//     otherwise)
//
// Returns:
//   - state.Store: Initialized state store
//   - error: Configuration or initialization error
func CreateStateStore(ctx context.Context, cfg *StateConfig, adminClient remote.Client) (state.Store, error) {
	// Check context before creating the store
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return stateMem.NewStore(), nil
	case "badger":
		return createBadgerStateStore(cfg.Badger)
	case "remotefile":
		return createRemoteFileStateStore(cfg.RemoteFile, adminClient)
	default:
		return nil, fmt.Errorf("unknown state store type: %q (supported: memory, badger, remotefile)", cfg.Type)
	}
}

// createBadgerStateStore creates a BadgerDB-backed persistent state store.
func createBadgerStateStore(options map[string]any) (state.Store, error) {
	// Decode store-specific options
	type BadgerStateStoreOptions struct {
		DBPath string `mapstructure:"db_path"`
	}

	var storeOpts BadgerStateStoreOptions
	if err := mapstructure.Decode(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode badger state store options: %w", err)
	}

	// Validate required fields
	if storeOpts.DBPath == "" {
		return nil, fmt.Errorf("badger state store: db_path is required")
	}

	store, err := stateBadger.NewStore(storeOpts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger state store: %w", err)
	}

	return store, nil
}

// createRemoteFileStateStore creates a state store that keeps the snapshot
// as a file in the admin drive.
func createRemoteFileStateStore(options map[string]any, adminClient remote.Client) (state.Store, error) {
	if adminClient == nil {
		return nil, fmt.Errorf("remotefile state store: admin session is required")
	}

	// Decode store-specific options
	type RemoteFileStateStoreOptions struct {
		Path string `mapstructure:"path"`
	}

	var storeOpts RemoteFileStateStoreOptions
	if err := mapstructure.Decode(options, &storeOpts); err != nil {
		return nil, fmt.Errorf("failed to decode remotefile state store options: %w", err)
	}

	// NewStore substitutes its default path for an empty one
	return stateRemote.NewStore(adminClient, storeOpts.Path), nil
}

// LoadHostKey reads and parses a PEM-encoded SSH private key for the SFTP
// front-end.
//
// An empty path returns (nil, nil): SFTP servers then generate an ephemeral
// host key on startup.
func LoadHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, nil
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host key %q: %w", path, err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key %q: %w", path, err)
	}

	return signer, nil
}
