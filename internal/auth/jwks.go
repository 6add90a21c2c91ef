package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims extends jwt.RegisteredClaims with the profile fields the hub
// cares about. Field names follow the OIDC userinfo conventions.
type sessionClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	Name              string      `json:"name"`
	Picture           string      `json:"picture"`
	RealmAccessField  realmAccess `json:"realm_access"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWKSResolver validates session JWTs against a JWKS endpoint and maps the
// claims to an Identity. Keys are fetched once and refreshed in the
// background.
type JWKSResolver struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSResolver fetches the key set with retries (the auth provider may
// still be starting) and returns a resolver bound to the expected issuer.
func NewJWKSResolver(jwksURL, issuer string) (*JWKSResolver, error) {
	slog.Info("Initializing JWKS resolver", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return &JWKSResolver{jwks: jwks, issuer: issuer}, nil
}

// Resolve parses and validates the credential as a JWT access token.
func (r *JWKSResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthorized
	}

	claims := &sessionClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	token, err := jwt.ParseWithClaims(credential, claims, r.jwks.Keyfunc, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return Identity{}, ErrUnauthorized
	}

	userID := claims.Subject
	if claims.PreferredUsername != "" {
		userID = claims.PreferredUsername
	}
	display := claims.Name
	if display == "" {
		display = userID
	}

	id := Identity{
		UserID:      userID,
		DisplayName: display,
		AvatarRef:   claims.Picture,
		Role:        pickRole(claims.RealmAccessField.Roles),
	}
	if !id.Valid() {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (r *JWKSResolver) Close() {
	r.jwks.EndBackground()
}

func pickRole(roles []string) string {
	for _, privileged := range []string{"admin", "moderator"} {
		for _, role := range roles {
			if role == privileged {
				return role
			}
		}
	}
	return "user"
}
