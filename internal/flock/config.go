package flock

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/mobu/internal/business"
	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/identity"
)

// nameRegex restricts flock names to values safe in URLs and file paths.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// UserSpec generates Count users named UsernamePrefix followed by a
// zero-padded index starting at 1.
type UserSpec struct {
	UsernamePrefix string `json:"username_prefix" yaml:"username_prefix"`
	// UIDStart gives users consecutive UIDs starting here.
	UIDStart *int `json:"uid_start,omitempty" yaml:"uid_start,omitempty"`
	// GIDStart gives users consecutive GIDs starting here. When only
	// UIDStart is set the GID of each user equals its UID.
	GIDStart *int             `json:"gid_start,omitempty" yaml:"gid_start,omitempty"`
	Groups   []identity.Group `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Duration is a time.Duration that decodes from a Go duration string
// ("30s") or a number of seconds.
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "30s" or 30.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "30s" or 30.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config describes a flock. Exactly one of Users and UserSpec is set.
type Config struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
	// Users must have exactly Count entries when given.
	Users    []identity.User `json:"users,omitempty" yaml:"users,omitempty"`
	UserSpec *UserSpec       `json:"user_spec,omitempty" yaml:"user_spec,omitempty"`
	Scopes   []string        `json:"scopes" yaml:"scopes"`
	Business business.Config `json:"business" yaml:"business"`
	// StartBatchSize monkeys are started together across all replicas,
	// with StartBatchWait between batches. Zero starts everything at once.
	StartBatchSize int      `json:"start_batch_size,omitempty" yaml:"start_batch_size,omitempty"`
	StartBatchWait Duration `json:"start_batch_wait,omitempty" yaml:"start_batch_wait,omitempty"`
}

// Validate checks the flock configuration. Business options are checked
// against registry; a nil registry skips that check.
func (c Config) Validate(registry *business.Registry) error {
	if err := c.validate(registry); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrInvalidFlockConfig, err)
	}
	return nil
}

func (c Config) validate(registry *business.Registry) error {
	if !nameRegex.MatchString(c.Name) {
		return errors.NewValidationError("invalid flock name").WithField("name").WithValue(c.Name)
	}
	if c.Count < 1 {
		return errors.NewValidationError("count must be at least 1").WithField("count").WithValue(c.Count)
	}

	switch {
	case c.Users == nil && c.UserSpec == nil:
		return errors.NewValidationError("one of users or user_spec must be provided").WithField("users")
	case c.Users != nil && c.UserSpec != nil:
		return errors.NewValidationError("both users and user_spec provided").WithField("users")
	case c.Users != nil:
		if len(c.Users) != c.Count {
			return errors.NewValidationError(fmt.Sprintf("users list must contain %d elements", c.Count)).
				WithField("users").WithValue(len(c.Users))
		}
		seen := make(map[string]bool, len(c.Users))
		for _, u := range c.Users {
			if err := u.Validate(); err != nil {
				return err
			}
			if seen[u.Username] {
				return errors.NewValidationError("duplicate username").WithField("users").WithValue(u.Username)
			}
			seen[u.Username] = true
		}
	default:
		// The longest generated name covers every shorter one.
		if err := (identity.User{Username: c.UserSpec.UsernamePrefix + strconv.Itoa(c.Count)}).Validate(); err != nil {
			return errors.NewValidationError("invalid username_prefix").
				WithField("user_spec.username_prefix").WithValue(c.UserSpec.UsernamePrefix).WithCause(err)
		}
	}

	if c.StartBatchSize < 0 {
		return errors.NewValidationError("start_batch_size must be non-negative").
			WithField("start_batch_size").WithValue(c.StartBatchSize)
	}
	if c.StartBatchWait < 0 {
		return errors.NewValidationError("start_batch_wait must be non-negative").
			WithField("start_batch_wait").WithValue(time.Duration(c.StartBatchWait))
	}

	if registry != nil {
		if err := registry.Validate(c.Business); err != nil {
			return err
		}
	}
	return nil
}

// users returns the configured users, generating them from UserSpec if
// needed.
func (c Config) users() []identity.User {
	if c.Users != nil {
		return c.Users
	}
	spec := c.UserSpec
	width := len(strconv.Itoa(c.Count))
	users := make([]identity.User, 0, c.Count)
	for i := 1; i <= c.Count; i++ {
		user := identity.User{
			Username: fmt.Sprintf("%s%0*d", spec.UsernamePrefix, width, i),
			Groups:   spec.Groups,
		}
		if spec.UIDStart != nil {
			uid := *spec.UIDStart + i - 1
			user.UID = &uid
		}
		if spec.GIDStart != nil {
			gid := *spec.GIDStart + i - 1
			user.GID = &gid
		}
		users = append(users, user)
	}
	return users
}
