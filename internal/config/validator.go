package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "replication.lock_timeout_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// prefixRegex limits topic prefixes to characters every backend accepts in a
// topic or channel name. Dots are excluded so the lock topic and document
// topics stay unambiguous.
var prefixRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// maxIdentifierLen is the envelope's one-byte identity length limit.
const maxIdentifierLen = 255

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the list of valid log formats
func ValidLogFormats() []string {
	return []string{"auto", "json", "text"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateInstance()...)
	errors = append(errors, c.validateReplication()...)
	errors = append(errors, c.validateBus()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateInstance validates the InstanceConfig
func (c *Config) validateInstance() []ValidationError {
	var errors []ValidationError

	if len(c.Instance.Identifier) > maxIdentifierLen {
		errors = append(errors, ValidationError{
			Field:   "instance.identifier",
			Value:   len(c.Instance.Identifier),
			Message: fmt.Sprintf("must be at most %d bytes", maxIdentifierLen),
		})
	}

	return errors
}

// validateReplication validates the ReplicationConfig
func (c *Config) validateReplication() []ValidationError {
	var errors []ValidationError
	r := c.Replication

	if !prefixRegex.MatchString(r.Prefix) {
		errors = append(errors, ValidationError{
			Field:   "replication.prefix",
			Value:   r.Prefix,
			Message: "must start with alphanumeric and contain only alphanumeric, underscore, or hyphen",
		})
	}

	if strings.TrimSpace(r.GroupIDBase) == "" {
		errors = append(errors, ValidationError{
			Field:   "replication.group_id_base",
			Value:   r.GroupIDBase,
			Message: "must not be empty",
		})
	}

	if r.DisconnectDelayMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "replication.disconnect_delay_ms",
			Value:   r.DisconnectDelayMs,
			Message: "must be non-negative",
		})
	}

	if r.LockTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "replication.lock_timeout_ms",
			Value:   r.LockTimeoutMs,
			Message: "must be positive",
		})
	}

	if r.LockPollIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "replication.lock_poll_interval_ms",
			Value:   r.LockPollIntervalMs,
			Message: "must be positive",
		})
	} else if r.LockTimeoutMs > 0 && r.LockPollIntervalMs > r.LockTimeoutMs {
		errors = append(errors, ValidationError{
			Field:   "replication.lock_poll_interval_ms",
			Value:   r.LockPollIntervalMs,
			Message: "must not exceed replication.lock_timeout_ms",
		})
	}

	return errors
}

// validateBus validates the BusConfig
func (c *Config) validateBus() []ValidationError {
	var errors []ValidationError
	b := c.Bus

	if !slices.Contains(ValidBackends(), b.Backend) {
		errors = append(errors, ValidationError{
			Field:   "bus.backend",
			Value:   b.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	if b.DialTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "bus.dial_timeout_ms",
			Value:   b.DialTimeoutMs,
			Message: "must be positive",
		})
	}

	// Only the selected backend's settings matter
	switch b.Backend {
	case "kafka":
		if len(b.Kafka.Brokers) == 0 {
			errors = append(errors, ValidationError{
				Field:   "bus.kafka.brokers",
				Value:   b.Kafka.Brokers,
				Message: "at least one broker is required",
			})
		}
		for i, broker := range b.Kafka.Brokers {
			if strings.TrimSpace(broker) == "" {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("bus.kafka.brokers[%d]", i),
					Value:   broker,
					Message: "must not be empty",
				})
			}
		}
	case "redis":
		if strings.TrimSpace(b.Redis.Addr) == "" {
			errors = append(errors, ValidationError{
				Field:   "bus.redis.addr",
				Value:   b.Redis.Addr,
				Message: "must not be empty",
			})
		}
		if b.Redis.DB < 0 {
			errors = append(errors, ValidationError{
				Field:   "bus.redis.db",
				Value:   b.Redis.DB,
				Message: "must be non-negative",
			})
		}
	case "file":
		if b.File.PollIntervalMs <= 0 {
			errors = append(errors, ValidationError{
				Field:   "bus.file.poll_interval_ms",
				Value:   b.File.PollIntervalMs,
				Message: "must be positive",
			})
		}
	}

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError
	s := c.Server

	if strings.TrimSpace(s.Addr) == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   s.Addr,
			Message: "must not be empty",
		})
	}

	if s.StoreDebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.store_debounce_ms",
			Value:   s.StoreDebounceMs,
			Message: "must be non-negative",
		})
	}

	if s.StoreMaxDebounceMs < s.StoreDebounceMs {
		errors = append(errors, ValidationError{
			Field:   "server.store_max_debounce_ms",
			Value:   s.StoreMaxDebounceMs,
			Message: "must be at least server.store_debounce_ms",
		})
	}

	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.path",
			Value:   c.Storage.Path,
			Message: "must not be empty when storage is enabled",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.Format != "" && !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	return errors
}
