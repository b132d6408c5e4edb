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

// Validate validates the configuration using struct tags and the rules that
// span several sections.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	p := cfg.Passive
	if (p.MinPort == 0) != (p.MaxPort == 0) {
		return fmt.Errorf("passive: min_port and max_port must be set together")
	}
	if p.MaxPort < p.MinPort {
		return fmt.Errorf("passive: max_port %d is below min_port %d", p.MaxPort, p.MinPort)
	}

	switch cfg.Backend.Type {
	case "s3", "badger":
		if cfg.Auth.UsersFile == "" {
			return fmt.Errorf("auth: users_file is required with the %s backend", cfg.Backend.Type)
		}
		if cfg.Auth.Anonymous {
			return fmt.Errorf("auth: anonymous login is not supported with the %s backend", cfg.Backend.Type)
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
