// Package apikey authenticates callers by static API keys. Keys arrive as
// "Authorization: Bearer <key>" or in the X-API-Key header. Only SHA-256
// digests of the keys are kept in memory.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/rhuss/chatrelay/pkg/auth"
)

// HeaderName is the alternative header carrying a key.
const HeaderName = "X-API-Key"

// Key is one configured key and the principal it authenticates.
type Key struct {
	Key     string   `yaml:"key"`
	Subject string   `yaml:"subject"`
	Tenant  string   `yaml:"tenant"`
	Tier    string   `yaml:"tier"`
	Scopes  []string `yaml:"scopes"`
}

type entry struct {
	digest    [sha256.Size]byte
	principal auth.Principal
}

// Authenticator checks keys against its configured set.
type Authenticator struct {
	entries []entry
}

// New hashes keys. Keys with an empty value are skipped.
func New(keys []Key) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		subject := k.Subject
		if subject == "" {
			subject = "apikey-" + fingerprint(k.Key)
		}
		a.entries = append(a.entries, entry{
			digest: sha256.Sum256([]byte(k.Key)),
			principal: auth.Principal{
				Subject: subject,
				Tenant:  k.Tenant,
				Tier:    k.Tier,
				Scopes:  k.Scopes,
			},
		})
	}
	return a
}

// Len returns the number of configured keys.
func (a *Authenticator) Len() int { return len(a.entries) }

// Authenticate abstains when no key is presented so that other
// authenticators (a JWT one, typically) get a chance.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	key := strings.TrimSpace(r.Header.Get(HeaderName))
	if key == "" {
		token, ok := auth.BearerToken(r)
		if !ok {
			return auth.Result{Decision: auth.Abstain}
		}
		key = token
	}
	if key == "" {
		return auth.Result{Decision: auth.Reject, Err: auth.ErrUnauthenticated}
	}

	digest := sha256.Sum256([]byte(key))
	// Every entry is compared so the time taken does not depend on which
	// key matched.
	match := -1
	for i := range a.entries {
		if subtle.ConstantTimeCompare(digest[:], a.entries[i].digest[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.Result{Decision: auth.Reject, Err: auth.ErrUnauthenticated}
	}

	p := a.entries[match].principal
	p.Scopes = append([]string(nil), p.Scopes...)
	return auth.Result{Decision: auth.Accept, Principal: &p}
}

// fingerprint is a short non-reversible label for keys without a subject.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
