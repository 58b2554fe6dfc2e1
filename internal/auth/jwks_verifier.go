package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/assetforge/api/internal/config"
)

// TokenVerifier validates bearer tokens and returns the caller's claims
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the token claims the pipeline cares about: the subject owns
// jobs, roles decide whether the caller may touch other users' jobs.
type Claims struct {
	UserID string   `json:"sub"`
	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates tokens against the OIDC provider's signing keys.
// Key rotation is handled by keyfunc's background refresh, which runs
// until Close.
type JWKSVerifier struct {
	jwks        keyfunc.Keyfunc
	parseOpts   []jwt.ParserOption
	stopRefresh context.CancelFunc
}

const discoveryTimeout = 30 * time.Second

var discoveryClient = &http.Client{Timeout: discoveryTimeout}

// NewJWKSVerifier resolves the issuer's JWKS endpoint through OIDC
// discovery and builds a verifier pinned to that issuer. The audience
// check is enforced only when a client ID is configured.
func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("OIDC issuer is required")
	}

	discoveryCtx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	jwksURL, err := discoverJWKSURL(discoveryCtx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery for %s failed: %w", cfg.Issuer, err)
	}

	// keyfunc's refresh goroutine lives on this context, so it must outlive
	// the discovery timeout. Close cancels it.
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		stopRefresh()
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", jwksURL, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, jwt.WithAudience(cfg.ClientID))
	}

	return &JWKSVerifier{jwks: jwks, parseOpts: opts, stopRefresh: stopRefresh}, nil
}

// discoverJWKSURL reads jwks_uri from the issuer's discovery document
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := discoveryClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Validate parses and verifies a token, enforcing signature, expiry,
// issuer, and (when configured) audience.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, v.parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Close stops the JWKS background refresh
func (v *JWKSVerifier) Close() error {
	v.stopRefresh()
	return nil
}
