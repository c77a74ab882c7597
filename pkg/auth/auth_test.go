package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func vote(res Result) Authenticator {
	return AuthenticatorFunc(func(context.Context, *http.Request) Result { return res })
}

func TestChainFirstAcceptStops(t *testing.T) {
	chain := NewChain(
		vote(Result{Decision: Accept, Principal: &Principal{Subject: "alice"}}),
		vote(Result{Decision: Reject, Err: ErrUnauthenticated}),
	)

	r, _ := http.NewRequest("GET", "/", nil)
	res := chain.Authenticate(context.Background(), r)
	if res.Decision != Accept {
		t.Fatalf("Decision = %v, want accept", res.Decision)
	}
	if res.Principal.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", res.Principal.Subject, "alice")
	}
}

func TestChainFirstRejectStops(t *testing.T) {
	chain := NewChain(
		vote(Result{Decision: Abstain}),
		vote(Result{Decision: Reject, Err: ErrUnauthenticated}),
		vote(Result{Decision: Accept, Principal: &Principal{Subject: "bob"}}),
	)

	r, _ := http.NewRequest("GET", "/", nil)
	res := chain.Authenticate(context.Background(), r)
	if res.Decision != Reject {
		t.Errorf("Decision = %v, want reject", res.Decision)
	}
}

func TestChainAllAbstain(t *testing.T) {
	r, _ := http.NewRequest("GET", "/", nil)

	chain := NewChain(vote(Result{Decision: Abstain}))
	res := chain.Authenticate(context.Background(), r)
	if res.Decision != Reject || !errors.Is(res.Err, ErrUnauthenticated) {
		t.Errorf("got %v / %v, want reject / ErrUnauthenticated", res.Decision, res.Err)
	}

	chain.AllowAnonymous = true
	res = chain.Authenticate(context.Background(), r)
	if res.Decision != Accept {
		t.Fatalf("Decision = %v, want accept", res.Decision)
	}
	if res.Principal.Subject != "anonymous" {
		t.Errorf("Subject = %q, want anonymous", res.Principal.Subject)
	}
}

func TestPrincipalOwner(t *testing.T) {
	tests := []struct {
		p    *Principal
		want string
	}{
		{nil, ""},
		{&Principal{Subject: "alice"}, "alice"},
		{&Principal{Subject: "alice", Tenant: "org-1"}, "org-1"},
	}
	for _, tt := range tests {
		if got := tt.p.Owner(); got != tt.want {
			t.Errorf("Owner(%+v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestPrincipalHasScope(t *testing.T) {
	p := &Principal{Subject: "a", Scopes: []string{"chat", "admin"}}
	if !p.HasScope("admin") {
		t.Error("HasScope(admin) = false, want true")
	}
	if p.HasScope("write") {
		t.Error("HasScope(write) = true, want false")
	}
	var nilP *Principal
	if nilP.HasScope("chat") {
		t.Error("nil principal has scope")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Bearer", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		r, _ := http.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		token, ok := BearerToken(r)
		if token != tt.token || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v, want %q, %v", tt.header, token, ok, tt.token, tt.ok)
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	if PrincipalFromContext(context.Background()) != nil {
		t.Error("empty context has a principal")
	}
	ctx := WithPrincipal(context.Background(), &Principal{Subject: "alice"})
	if p := PrincipalFromContext(ctx); p == nil || p.Subject != "alice" {
		t.Errorf("PrincipalFromContext = %+v, want alice", p)
	}
}
