package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AuthConfigVersion is the current schema version of exported auth configs.
// Older versions are rejected on import; there is no migration path because
// the blob only carries session material that can always be re-derived by a
// fresh login.
const AuthConfigVersion = 1

// AuthConfig is an exported, self-contained credential blob for one drive
// account. It lets the gateway rebuild an authenticated Client without an
// interactive login (and therefore without the account password).
//
// The Secrets map is backend-specific: the memory backend stores a session
// token, the s3 backend stores endpoint and key material. The blob is opaque
// to everything outside the remote drivers.
type AuthConfig struct {
	Version int               `json:"version"`
	Backend string            `json:"backend"`
	Email   string            `json:"email"`
	Secrets map[string]string `json:"secrets"`
}

// EncodeAuthConfig serializes cfg into the portable base64 form handed to
// administrators. The result never appears in logs.
func EncodeAuthConfig(cfg *AuthConfig) (string, error) {
	cfg.Version = AuthConfigVersion
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeAuthConfig parses a blob produced by EncodeAuthConfig.
func DecodeAuthConfig(blob string) (*AuthConfig, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("auth config is not valid base64: %w", err)
	}
	var cfg AuthConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth config: %w", err)
	}
	if cfg.Version != AuthConfigVersion {
		return nil, fmt.Errorf("unsupported auth config version %d (want %d)", cfg.Version, AuthConfigVersion)
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("auth config has no account email")
	}
	return &cfg, nil
}
