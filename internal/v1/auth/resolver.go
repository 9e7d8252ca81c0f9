// Package auth resolves connection credentials into player identities. The
// production path validates JWTs against a JWKS endpoint; a mock resolver
// covers development and tests.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/types"
)

// CustomClaims are the JWT claims the gateway cares about. The player
// identity comes from the subject; player_id overrides it when present.
type CustomClaims struct {
	PlayerID string `json:"player_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Resolver validates JWTs against a JWKS endpoint and implements
// types.AuthInfoResolver.
type Resolver struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewResolver builds a resolver for the given auth domain and audience. The
// JWKS endpoint is registered in a refreshing cache and fetched once up front
// to surface connectivity problems at startup.
func NewResolver(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Resolver, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Resolver{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// Resolve validates a token and maps its claims onto an AuthInfo.
func (r *Resolver) Resolve(tokenString string) (*types.AuthInfo, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, r.keyFunc,
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(r.audience),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	return authInfoFromClaims(claims), nil
}

func authInfoFromClaims(claims *CustomClaims) *types.AuthInfo {
	playerID := claims.PlayerID
	if playerID == "" {
		playerID = claims.Subject
	}
	return &types.AuthInfo{
		Subject:     claims.Subject,
		PlayerID:    types.PlayerID(playerID),
		DisplayName: claims.Name,
		Claims: map[string]any{
			"scope": claims.Scope,
		},
	}
}

// GetAllowedOriginsFromEnv reads the comma-separated origin allowlist, with a
// development fallback when the variable is unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultOrigins []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(),
			fmt.Sprintf("%s environment variable not set, using default development origins %v", envVarName, defaultOrigins))
		return defaultOrigins
	}
	return strings.Split(originsStr, ",")
}

// MockResolver accepts any token and pulls the identity straight out of the
// unverified payload. Development and tests only.
type MockResolver struct{}

// Resolve decodes the token payload without signature verification.
func (m *MockResolver) Resolve(tokenString string) (*types.AuthInfo, error) {
	claims := &CustomClaims{}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			_ = json.Unmarshal(payload, claims)
		}
	}

	if claims.Subject == "" {
		claims.Subject = "dev-player-123"
	}
	if claims.Name == "" {
		claims.Name = "Dev Player"
	}
	return authInfoFromClaims(claims), nil
}
