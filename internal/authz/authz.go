// Package authz answers whether an actor may act on the schedule.
//
// Credentials and sessions are out of scope: an actor is identified by name
// alone and its rights come from the users table.
package authz

import (
	"context"
	"fmt"

	"github.com/livinlefevreloca/testbed/internal/db"
)

// Authorizer describes the actor behind a request
type Authorizer interface {
	IsAuthorized() bool
	IsAdmin() bool
	Username() (string, bool)
}

// UserStore looks up users by name
type UserStore interface {
	GetUser(ctx context.Context, username string) (*db.User, error)
}

// UserAuthorizer is an Authorizer resolved from the users table
type UserAuthorizer struct {
	user *db.User
}

// Lookup resolves username. An unknown user yields an unauthorized actor,
// not an error.
func Lookup(ctx context.Context, store UserStore, username string) (*UserAuthorizer, error) {
	if username == "" {
		return &UserAuthorizer{}, nil
	}

	user, err := store.GetUser(ctx, username)
	if db.IsNotFound(err) {
		return &UserAuthorizer{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up user %s: %w", username, err)
	}

	return &UserAuthorizer{user: user}, nil
}

func (a *UserAuthorizer) IsAuthorized() bool {
	return a.user != nil
}

func (a *UserAuthorizer) IsAdmin() bool {
	return a.user != nil && a.user.Admin
}

func (a *UserAuthorizer) Username() (string, bool) {
	if a.user == nil {
		return "", false
	}
	return a.user.Username, true
}

// Static is a fixed Authorizer for callers that already know the actor
type Static struct {
	Name  string
	Admin bool
}

func (s Static) IsAuthorized() bool { return s.Name != "" }

func (s Static) IsAdmin() bool { return s.Name != "" && s.Admin }

func (s Static) Username() (string, bool) { return s.Name, s.Name != "" }
