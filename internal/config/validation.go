package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"petnames/internal/names"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// The address book may be created after the daemon starts.
	return e.Field == "address_book.path" && strings.HasPrefix(e.Message, "file does not exist")
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig checks c and returns ValidationErrors holding every
// error-level problem. Warnings are available from Check.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation issue, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAddressBook(&c.AddressBook)...)
	errs = append(errs, validateAccounts(c.Accounts)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 || s.BusyTimeoutMs > 60000 {
		errs = append(errs, *RangeError("storage.busy_timeout_ms", 0, 60000))
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateAddressBook(a *AddressBookConfig) ValidationErrors {
	if !a.Enabled {
		return nil
	}
	var errs ValidationErrors

	if a.Path == "" {
		return append(errs, *RequiredFieldError("address_book.path"))
	}

	switch strings.ToLower(filepath.Ext(a.Path)) {
	case ".yaml", ".yml", ".toml", ".json":
	default:
		errs = append(errs, ValidationError{
			Field:   "address_book.path",
			Message: fmt.Sprintf("unsupported extension %q (valid: .yaml, .yml, .toml, .json)", filepath.Ext(a.Path)),
		})
	}

	if _, err := os.Stat(ExpandPath(a.Path)); os.IsNotExist(err) {
		errs = append(errs, ValidationError{
			Field:   "address_book.path",
			Message: "file does not exist: " + a.Path,
		})
	}

	if a.DebounceMs < 0 || a.DebounceMs > 60000 {
		errs = append(errs, *RangeError("address_book.debounce_ms", 0, 60000))
	}

	return errs
}

func validateAccounts(accounts []AccountConfig) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]int)

	for i, a := range accounts {
		field := fmt.Sprintf("accounts[%d]", i)

		if !common.IsHexAddress(a.Address) {
			errs = append(errs, ValidationError{
				Field:   field + ".address",
				Message: fmt.Sprintf("not a hex address: %q", a.Address),
			})
		}
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, *RequiredFieldError(field + ".name"))
		}
		variation, err := names.VariationForChain(a.ChainID)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   field + ".chain_id",
				Message: fmt.Sprintf("invalid chain id: %q", a.ChainID),
			})
			continue
		}

		key := strings.ToLower(a.Address) + "/" + variation
		if j, dup := seen[key]; dup {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicates accounts[%d]", j),
			})
			continue
		}
		seen[key] = i
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Path == "" {
		return nil
	}
	if m.IntervalSec < 1 {
		return ValidationErrors{{
			Field:   "metrics.interval_sec",
			Message: "interval must be at least 1 second",
		}}
	}
	return nil
}

// ExpandPath resolves a leading "~/" to the home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
