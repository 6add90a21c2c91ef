package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityValid(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want bool
	}{
		{"normal", Identity{UserID: "alice", Role: "user"}, true},
		{"empty user id", Identity{Role: "user"}, false},
		{"dotted user id", Identity{UserID: "alice.smith"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.Valid())
		})
	}
}

func TestPickRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  string
	}{
		{"admin wins", []string{"offline_access", "admin", "user"}, "admin"},
		{"moderator", []string{"moderator"}, "moderator"},
		{"admin beats moderator", []string{"moderator", "admin"}, "admin"},
		{"default user", []string{"offline_access"}, "user"},
		{"no roles", nil, "user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickRole(tt.roles))
		})
	}
}

func TestResolverFunc(t *testing.T) {
	r := ResolverFunc(func(_ context.Context, credential string) (Identity, error) {
		if credential != "good" {
			return Identity{}, ErrUnauthorized
		}
		return Identity{UserID: "alice", Role: "user"}, nil
	})

	id, err := r.Resolve(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)

	_, err = r.Resolve(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
