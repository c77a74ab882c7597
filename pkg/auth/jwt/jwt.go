// Package jwt authenticates bearer JSON Web Tokens signed with a shared
// HMAC secret or an RSA key pair.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/chatrelay/pkg/auth"
)

// Config selects the verification key and the claims to read. Exactly one
// of Secret and PublicKeyPEM must be set.
type Config struct {
	// Secret verifies HS256/HS384/HS512 tokens.
	Secret []byte

	// PublicKeyPEM verifies RS256/RS384/RS512 tokens.
	PublicKeyPEM []byte

	// Issuer and Audience are checked when non-empty.
	Issuer   string
	Audience string

	// UserClaim names the subject claim. Default "sub".
	UserClaim string

	// TenantClaim names the tenant claim. Default "tenant_id".
	TenantClaim string

	// TierClaim names the rate limit tier claim. Default "tier".
	TierClaim string

	// ScopesClaim holds a space separated string or a string array.
	// Default "scope".
	ScopesClaim string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
}

// Authenticator validates bearer JWTs.
type Authenticator struct {
	cfg    Config
	key    any
	parser *jwtlib.Parser
}

// New builds an authenticator. It fails when no key or both keys are
// configured, or when the PEM does not hold an RSA public key.
func New(cfg Config) (*Authenticator, error) {
	cfg.applyDefaults()

	a := &Authenticator{cfg: cfg}
	var methods []string
	switch {
	case len(cfg.Secret) > 0 && len(cfg.PublicKeyPEM) > 0:
		return nil, errors.New("jwt: secret and public key are mutually exclusive")
	case len(cfg.Secret) > 0:
		a.key = cfg.Secret
		methods = []string{"HS256", "HS384", "HS512"}
	case len(cfg.PublicKeyPEM) > 0:
		pub, err := jwtlib.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("jwt: parsing public key: %w", err)
		}
		a.key = pub
		methods = []string{"RS256", "RS384", "RS512"}
	default:
		return nil, errors.New("jwt: a secret or a public key is required")
	}

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(methods),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	a.parser = jwtlib.NewParser(opts...)
	return a, nil
}

// Authenticate abstains on requests without a bearer token and on bearer
// tokens that are not shaped like a JWT, leaving them to an API key
// authenticator further down the chain.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if strings.Count(token, ".") != 2 {
		return auth.Result{Decision: auth.Abstain}
	}

	claims := jwtlib.MapClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return a.key, nil
	}); err != nil {
		slog.Debug("jwt rejected", "error", err)
		return auth.Result{Decision: auth.Reject, Err: fmt.Errorf("invalid token: %w", err)}
	}

	subject := stringClaim(claims, a.cfg.UserClaim)
	if subject == "" {
		return auth.Result{Decision: auth.Reject, Err: fmt.Errorf("token has no %q claim", a.cfg.UserClaim)}
	}

	return auth.Result{
		Decision: auth.Accept,
		Principal: &auth.Principal{
			Subject: subject,
			Tenant:  stringClaim(claims, a.cfg.TenantClaim),
			Tier:    stringClaim(claims, a.cfg.TierClaim),
			Scopes:  scopes(claims[a.cfg.ScopesClaim]),
		},
	}
}

func stringClaim(claims jwtlib.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func scopes(v any) []string {
	switch v := v.(type) {
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			return f
		}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
