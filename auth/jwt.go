package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls validation for tenant keys carried as signed JWTs
// (capability-URL style: the path segment is a compact JWS minted by the
// tenant's issuer).
type JWTConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultJWTConfig returns a JWTConfig with safe algorithm and leeway
// defaults.
func DefaultJWTConfig() *JWTConfig {
	return &JWTConfig{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

func (c *JWTConfig) applyDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// JWTAuthenticator validates tenant keys as JWTs against a JWKS. Keys are
// auto-refreshed.
type JWTAuthenticator struct {
	cfg     *JWTConfig
	keyfunc jwt.Keyfunc
}

// NewJWT constructs an authenticator that validates tenant-key JWTs against a
// statically configured issuer, audiences and JWKS URI (no discovery).
func NewJWT(ctx context.Context, cfg *JWTConfig, jwksURI string) (*JWTAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	cfg.applyDefaults()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &JWTAuthenticator{cfg: cfg, keyfunc: guardAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

// NewJWTFromDiscovery performs OIDC discovery against cfg.Issuer to obtain
// the jwks_uri and constructs a JWTAuthenticator from it.
func NewJWTFromDiscovery(ctx context.Context, cfg *JWTConfig) (*JWTAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	cfg.applyDefaults()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &JWTAuthenticator{cfg: cfg, keyfunc: guardAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

func guardAlgs(allowed []string, inner jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		ok := false
		for _, a := range allowed {
			if alg == a {
				ok = true
				break
			}
		}
		if !ok {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return inner(t)
	}
}

// CheckTenant implements TenantAuthenticator. The key must parse and verify
// as a JWT with the configured issuer and at least one expected audience, and
// must carry a non-empty sub claim.
func (a *JWTAuthenticator) CheckTenant(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty tenant key", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(key, a.keyfunc)
	if err != nil {
		return fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims type")
	}

	if len(a.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if sub, _ := claims["sub"].(string); sub == "" {
		return fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

var _ TenantAuthenticator = (*JWTAuthenticator)(nil)
