package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Decision is the vote of an authenticator.
type Decision int

const (
	// Abstain passes the request on to the next authenticator.
	Abstain Decision = iota

	// Accept ends the chain with a principal.
	Accept

	// Reject ends the chain and the request is refused.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "abstain"
	}
}

// Result is the outcome of one authentication attempt. Principal is set on
// Accept, Err on Reject.
type Result struct {
	Decision  Decision
	Principal *Principal
	Err       error
}

// Principal is an authenticated caller.
type Principal struct {
	// Subject identifies the caller. Never empty on an accepted request.
	Subject string

	// Tenant groups callers that share sessions. Optional.
	Tenant string

	// Tier selects the rate limit bucket.
	Tier string

	Scopes []string
}

// Owner is the storage owner for the principal's sessions: the tenant when
// one is set, the subject otherwise.
func (p *Principal) Owner() string {
	if p == nil {
		return ""
	}
	if p.Tenant != "" {
		return p.Tenant
	}
	return p.Subject
}

// HasScope reports whether the principal was granted scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Anonymous is the principal used when authentication is disabled.
func Anonymous() *Principal {
	return &Principal{Subject: "anonymous", Tier: "default"}
}

// Authenticator examines the credentials of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) Result

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) Result {
	return f(ctx, r)
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Chain asks its authenticators in order.
type Chain struct {
	Authenticators []Authenticator

	// AllowAnonymous accepts requests on which every authenticator
	// abstained, as the anonymous principal.
	AllowAnonymous bool
}

// NewChain returns a chain that rejects requests nobody accepts.
func NewChain(authenticators ...Authenticator) *Chain {
	return &Chain{Authenticators: authenticators}
}

// Authenticate returns the first Accept or Reject vote. When all abstain,
// the request is either anonymous or rejected depending on AllowAnonymous.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.Authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.AllowAnonymous {
		return Result{Decision: Accept, Principal: Anonymous()}
	}
	return Result{Decision: Reject, Err: ErrUnauthenticated}
}

// BearerToken extracts the token of an "Authorization: Bearer" header. ok
// is false when the header is missing or uses another scheme; an empty
// token with ok true means the header was "Bearer" with nothing after it.
func BearerToken(r *http.Request) (token string, ok bool) {
	h := r.Header.Get("Authorization")
	scheme, rest, found := strings.Cut(h, " ")
	if !found {
		if strings.EqualFold(h, "bearer") {
			return "", true
		}
		return "", false
	}
	if !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
