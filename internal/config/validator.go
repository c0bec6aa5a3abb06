package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "replica.index")
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

// githubOrgRegex matches GitHub organization logins
var githubOrgRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateEnvironment()...)
	errors = append(errors, c.validateIdentity()...)
	errors = append(errors, c.validateAlert()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateReplica()...)
	errors = append(errors, c.validateIntervals()...)
	errors = append(errors, c.validateGitHub()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}
	if c.Server.ReadTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.read_timeout",
			Value:   c.Server.ReadTimeout,
			Message: "must be non-negative",
		})
	}
	if c.Server.WriteTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.write_timeout",
			Value:   c.Server.WriteTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateEnvironment() []ValidationError {
	var errors []ValidationError

	if c.EnvironmentURL != "" {
		if err := validateHTTPURL(c.EnvironmentURL); err != "" {
			errors = append(errors, ValidationError{
				Field:   "environment_url",
				Value:   c.EnvironmentURL,
				Message: err,
			})
		}
	}

	// Issuing tokens needs somewhere to send the request
	if c.Identity.Token != "" && c.EnvironmentURL == "" {
		errors = append(errors, ValidationError{
			Field:   "environment_url",
			Value:   c.EnvironmentURL,
			Message: "required when identity.token is set",
		})
	}

	return errors
}

func (c *Config) validateIdentity() []ValidationError {
	var errors []ValidationError

	if c.Identity.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "identity.timeout",
			Value:   c.Identity.Timeout,
			Message: "must be positive",
		})
	}
	if c.Identity.TokenLifetime <= 0 {
		errors = append(errors, ValidationError{
			Field:   "identity.token_lifetime",
			Value:   c.Identity.TokenLifetime,
			Message: "must be positive",
		})
	}
	if c.Identity.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "identity.batch_size",
			Value:   c.Identity.BatchSize,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateAlert() []ValidationError {
	var errors []ValidationError

	if c.Alert.Hook != "" {
		if err := validateHTTPURL(c.Alert.Hook); err != "" {
			errors = append(errors, ValidationError{
				Field:   "alert.hook",
				Value:   c.Alert.Hook,
				Message: err,
			})
		}
	}
	if c.Alert.RatePerMinute < 0 {
		errors = append(errors, ValidationError{
			Field:   "alert.rate_per_minute",
			Value:   c.Alert.RatePerMinute,
			Message: "must be non-negative",
		})
	}
	if c.Alert.RatePerMinute > 0 && c.Alert.Burst < 1 {
		errors = append(errors, ValidationError{
			Field:   "alert.burst",
			Value:   c.Alert.Burst,
			Message: "must be at least 1 when alerts are rate limited",
		})
	}

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	if c.Scheduler.Limit < 0 {
		return []ValidationError{{
			Field:   "scheduler.limit",
			Value:   c.Scheduler.Limit,
			Message: "must be non-negative (0 means unbounded)",
		}}
	}
	return nil
}

func (c *Config) validateReplica() []ValidationError {
	var errors []ValidationError

	if c.Replica.Count < 1 {
		errors = append(errors, ValidationError{
			Field:   "replica.count",
			Value:   c.Replica.Count,
			Message: "must be at least 1",
		})
		return errors
	}
	if c.Replica.Index < 0 || c.Replica.Index >= c.Replica.Count {
		errors = append(errors, ValidationError{
			Field:   "replica.index",
			Value:   c.Replica.Index,
			Message: fmt.Sprintf("must be between 0 and %d", c.Replica.Count-1),
		})
	}

	return errors
}

func (c *Config) validateIntervals() []ValidationError {
	var errors []ValidationError

	if c.Health.Interval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "health.interval",
			Value:   c.Health.Interval,
			Message: "must be positive",
		})
	}
	if c.Status.Interval < 0 {
		errors = append(errors, ValidationError{
			Field:   "status.interval",
			Value:   c.Status.Interval,
			Message: "must be non-negative (0 disables status reports)",
		})
	}

	return errors
}

func (c *Config) validateGitHub() []ValidationError {
	var errors []ValidationError

	for i, org := range c.GitHub.Refresh.AcceptedOrgs {
		if !githubOrgRegex.MatchString(org) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("github.refresh.accepted_orgs[%d]", i),
				Value:   org,
				Message: "must be a GitHub organization login",
			})
		}
	}
	if c.GitHub.Refresh.Delay < 0 {
		errors = append(errors, ValidationError{
			Field:   "github.refresh.delay",
			Value:   c.GitHub.Refresh.Delay,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		}}
	}
	return nil
}

// validateHTTPURL returns a message describing why raw is not an absolute
// http(s) URL, or "" if it is one.
func validateHTTPURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "must be a valid URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "must use http or https"
	}
	if u.Host == "" {
		return "must include a host"
	}
	return ""
}
