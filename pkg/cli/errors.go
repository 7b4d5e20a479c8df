package cli

import (
	"errors"
	"fmt"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitConfig       = 2
	ExitNotFound     = 3
	ExitBudget       = 4
	ExitPricing      = 5
	ExitVerification = 6
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{Command: command, Err: err}
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	var cfgErr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, pricing.ErrSignatureInvalid), errors.Is(err, pricing.ErrSchemaMismatch):
		return ExitVerification
	case errors.Is(err, ledger.ErrAgentNotFound), errors.Is(err, ledger.ErrRunNotFound):
		return ExitNotFound
	case errors.Is(err, ledger.ErrInsufficientBudget), errors.Is(err, ledger.ErrRunAlreadyActive):
		return ExitBudget
	case errors.Is(err, pricing.ErrPricingUnavailable), errors.Is(err, pricing.ErrPricingGap):
		return ExitPricing
	default:
		return ExitError
	}
}
