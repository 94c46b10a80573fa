package config

import (
	"strings"
	"testing"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Bootstrap.AdminEmail = "admin@example.com"
	cfg.Bootstrap.AdminPassword = "secret"
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}
}

func TestValidate_MissingAdminEmail(t *testing.T) {
	cfg := validConfig()
	cfg.Bootstrap.AdminEmail = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for missing admin email")
	}
}

func TestValidate_BadAdminEmail(t *testing.T) {
	cfg := validConfig()
	cfg.Bootstrap.AdminEmail = "not-an-email"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for malformed admin email")
	}
}

func TestValidate_NoCredentialMaterial(t *testing.T) {
	cfg := validConfig()
	cfg.Bootstrap.AdminPassword = ""
	cfg.Bootstrap.AdminAuthConfig = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error when neither password nor auth config is set")
	}
	if !strings.Contains(err.Error(), "admin_password or admin_auth_config") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestValidate_AuthConfigAlone(t *testing.T) {
	cfg := validConfig()
	cfg.Bootstrap.AdminPassword = ""
	cfg.Bootstrap.AdminAuthConfig = "exported-blob"

	if err := Validate(cfg); err != nil {
		t.Fatalf("Auth config alone should satisfy bootstrap, got: %v", err)
	}
}

func TestValidate_BadRemoteType(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.Type = "gopherholes"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for unknown remote type")
	}
}

func TestValidate_PassivePortRange(t *testing.T) {
	cfg := validConfig()
	cfg.FTP.PasvMinPort = 50000
	cfg.FTP.PasvMaxPort = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for half-specified passive range")
	}

	cfg.FTP.PasvMaxPort = 40000
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for inverted passive range")
	}

	cfg.FTP.PasvMaxPort = 50100
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected valid passive range, got: %v", err)
	}
}

func TestValidate_BadgerNeedsPath(t *testing.T) {
	cfg := validConfig()
	cfg.State.Type = "badger"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected error for badger state store without db_path")
	}
	if !strings.Contains(err.Error(), "db_path") {
		t.Errorf("Unexpected error message: %v", err)
	}

	cfg.State.Badger["db_path"] = "/tmp/state"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected valid badger config, got: %v", err)
	}
}
