// Package identity models the synthetic users monkeys run as and obtains
// service tokens for them from the environment's token administration API.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Iron-Ham/mobu/internal/errors"
)

// UsernamePrefix is required on every synthetic username so that bot
// accounts are recognizable in the environment under test.
const UsernamePrefix = "bot-mobu"

// usernameRegex matches usernames the token API accepts.
var usernameRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9])*[a-z](?:[a-z0-9]|-[a-z0-9])*$`)

// Group is a group membership stored with a user's token.
type Group struct {
	Name string `json:"name" yaml:"name"`
	ID   int    `json:"id" yaml:"id"`
}

// User describes a synthetic user before credentials are issued.
// UID and GID are optional; when only UID is set the GID defaults to it.
type User struct {
	Username string  `json:"username" yaml:"username"`
	UID      *int    `json:"uidnumber,omitempty" yaml:"uidnumber,omitempty"`
	GID      *int    `json:"gidnumber,omitempty" yaml:"gidnumber,omitempty"`
	Groups   []Group `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Validate checks that the username is acceptable for a bot user.
func (u User) Validate() error {
	if !strings.HasPrefix(u.Username, UsernamePrefix) {
		return errors.NewValidationError("username must start with " + UsernamePrefix).
			WithField("username").WithValue(u.Username)
	}
	if len(u.Username) > 64 || !usernameRegex.MatchString(u.Username) {
		return errors.NewValidationError("invalid username").
			WithField("username").WithValue(u.Username)
	}
	for _, g := range u.Groups {
		if g.Name == "" || g.ID < 1 {
			return errors.NewValidationError("groups need a name and a positive id").
				WithField("groups").WithValue(g)
		}
	}
	return nil
}

// AuthenticatedUser is a User together with its scopes and bearer token.
// Identities are issued once per monkey and never refreshed.
type AuthenticatedUser struct {
	User   `yaml:",inline"`
	Scopes []string `json:"scopes" yaml:"scopes"`
	Token  string   `json:"-" yaml:"-"`
}

// Issuer creates service tokens for synthetic users.
type Issuer interface {
	CreateServiceToken(ctx context.Context, user User, scopes []string) (AuthenticatedUser, error)
}

// Static is an Issuer that hands out a fixed token. It is used when no
// token administration API is configured, so flocks can still run against
// services that do not check credentials.
type Static struct {
	Token string
}

// CreateServiceToken returns the user with the static token attached.
func (s Static) CreateServiceToken(_ context.Context, user User, scopes []string) (AuthenticatedUser, error) {
	if err := user.Validate(); err != nil {
		return AuthenticatedUser{}, errors.NewIdentityError("invalid user", err).WithUser(user.Username)
	}
	return AuthenticatedUser{
		User:   withDefaultGID(user),
		Scopes: append([]string(nil), scopes...),
		Token:  s.Token,
	}, nil
}

// withDefaultGID copies user, defaulting GID to UID when only UID is set.
func withDefaultGID(user User) User {
	if user.GID == nil && user.UID != nil {
		gid := *user.UID
		user.GID = &gid
	}
	return user
}

// String returns a short description for logs.
func (a AuthenticatedUser) String() string {
	return fmt.Sprintf("%s (scopes=%s)", a.Username, strings.Join(a.Scopes, ","))
}
