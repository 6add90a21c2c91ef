// Package auth resolves opaque session credentials to immutable identities.
// Resolution runs exactly once per connection, before any event handling.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for missing, expired, or invalid credentials.
// The connection is closed; the client must re-authenticate and reconnect.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is attached to a connection for its whole lifetime. A role change
// mid-session does not apply until the user reconnects.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Role        string `json:"role"`
}

// Valid reports whether the identity can be used for shared-store keys.
// User ids containing dots would break "{room}.{userId}" key parsing.
func (id Identity) Valid() bool {
	return id.UserID != "" && !strings.Contains(id.UserID, ".")
}

// Resolver turns a session credential into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, credential string) (Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}
