package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateStorage, StorageConfig{})
	validate.RegisterStructValidation(validateProviders, ProvidersConfig{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	details := make(ValidationErrors, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: formatValidationError(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_for_storage":
		return fmt.Sprintf("is required when storage.type is %s", fe.Param())
	case "required_for_driver":
		return fmt.Sprintf("is required when the driver is %s", fe.Param())
	case "required_when_enabled":
		return "is required when enabled"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

// validateStorage checks the settings the selected backend needs.
func validateStorage(sl validator.StructLevel) {
	s := sl.Current().Interface().(StorageConfig)
	switch s.Type {
	case "badger":
		if strings.TrimSpace(s.Badger.Path) == "" {
			sl.ReportError(s.Badger.Path, "Badger.Path", "Path", "required_for_storage", "badger")
		}
	case "redis":
		if strings.TrimSpace(s.Redis.Address) == "" {
			sl.ReportError(s.Redis.Address, "Redis.Address", "Address", "required_for_storage", "redis")
		}
	case "dynamodb":
		if strings.TrimSpace(s.DynamoDB.LedgerTable) == "" {
			sl.ReportError(s.DynamoDB.LedgerTable, "DynamoDB.LedgerTable", "LedgerTable", "required_for_storage", "dynamodb")
		}
	}
}

// validateProviders checks driver-specific provider settings.
func validateProviders(sl validator.StructLevel) {
	p := sl.Current().Interface().(ProvidersConfig)
	if p.Mail.Driver == "ses" && p.Mail.From == "" {
		sl.ReportError(p.Mail.From, "Mail.From", "From", "required_for_driver", "ses")
	}
	if p.Documents.Driver == "s3" && strings.TrimSpace(p.Documents.Bucket) == "" {
		sl.ReportError(p.Documents.Bucket, "Documents.Bucket", "Bucket", "required_for_driver", "s3")
	}
	if p.Calendar.Enabled && p.Calendar.BaseURL == "" {
		sl.ReportError(p.Calendar.BaseURL, "Calendar.BaseURL", "BaseURL", "required_when_enabled", "")
	}
}
