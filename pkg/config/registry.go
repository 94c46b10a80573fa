package config

import (
	"fmt"

	"github.com/drivegate/drivegate/pkg/auth"
	"github.com/drivegate/drivegate/pkg/frontend/ftp"
	"github.com/drivegate/drivegate/pkg/metrics"
	"github.com/drivegate/drivegate/pkg/registry"
)

// BuildRegistryOptions assembles registry.Options from configuration.
//
// The options carry everything a running registry shares across servers:
// FTP passive-mode settings, the SFTP host key, the metrics collector, and
// the hook that supplies ambient credentials for server owners.
//
// The ambient credential hook hands out the bootstrap material for the admin
// account only. Servers owned by other accounts start against the credential
// cache; a protocol login by the owner populates it.
//
// Parameters:
//   - cfg: Complete configuration loaded from config file
//   - gateway: Metrics collector from InitializeMetrics
//
// Returns:
//   - registry.Options: Options ready for registry.New
//   - error: Host key loading or parsing error
func BuildRegistryOptions(cfg *Config, gateway metrics.GatewayMetrics) (registry.Options, error) {
	hostKey, err := LoadHostKey(cfg.SFTP.HostKeyPath)
	if err != nil {
		return registry.Options{}, fmt.Errorf("failed to load SFTP host key: %w", err)
	}

	bootstrap := cfg.Bootstrap
	return registry.Options{
		FTP: ftp.Settings{
			PublicHost:  cfg.FTP.PublicHost,
			PasvMinPort: cfg.FTP.PasvMinPort,
			PasvMaxPort: cfg.FTP.PasvMaxPort,
		},
		HostKey: hostKey,
		Metrics: gateway,
		MaterialFor: func(email string) auth.Material {
			if email == bootstrap.AdminEmail {
				return auth.Material{
					Email:         bootstrap.AdminEmail,
					Password:      bootstrap.AdminPassword,
					TwoFactorCode: bootstrap.AdminTwoFactorCode,
					AuthConfig:    bootstrap.AdminAuthConfig,
				}
			}
			return auth.Material{Email: email}
		},
	}, nil
}
