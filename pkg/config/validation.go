package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// The admin account needs some way to authenticate
	if cfg.Bootstrap.AdminPassword == "" && cfg.Bootstrap.AdminAuthConfig == "" {
		return fmt.Errorf("bootstrap: either admin_password or admin_auth_config must be set")
	}

	// A passive port range must be fully specified and ordered
	minPort, maxPort := cfg.FTP.PasvMinPort, cfg.FTP.PasvMaxPort
	if (minPort == 0) != (maxPort == 0) {
		return fmt.Errorf("ftp: pasv_min_port and pasv_max_port must be set together")
	}
	if minPort > maxPort {
		return fmt.Errorf("ftp: pasv_min_port %d exceeds pasv_max_port %d", minPort, maxPort)
	}

	// The badger state store cannot run without a database location
	if cfg.State.Type == "badger" {
		if path, _ := cfg.State.Badger["db_path"].(string); path == "" {
			return fmt.Errorf("state: badger db_path is required")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
