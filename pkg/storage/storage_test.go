package storage

import (
	"context"
	"strings"
	"testing"
)

func TestSetGetOwner(t *testing.T) {
	ctx := context.Background()

	if got := GetOwner(ctx); got != "" {
		t.Errorf("GetOwner(empty ctx) = %q, want %q", got, "")
	}

	ctx = SetOwner(ctx, "alice")
	if got := GetOwner(ctx); got != "alice" {
		t.Errorf("GetOwner = %q, want %q", got, "alice")
	}

	ctx = SetOwner(ctx, "bob")
	if got := GetOwner(ctx); got != "bob" {
		t.Errorf("GetOwner = %q, want %q", got, "bob")
	}
}

func TestGetOwner_NoCollision(t *testing.T) {
	ctx := context.WithValue(context.Background(), "owner", "wrong")
	if got := GetOwner(ctx); got != "" {
		t.Errorf("GetOwner should not match string key, got %q", got)
	}
}

func TestLimits(t *testing.T) {
	tests := []struct {
		in, list, search int
	}{
		{0, DefaultListLimit, DefaultSearchLimit},
		{-3, DefaultListLimit, DefaultSearchLimit},
		{7, 7, 7},
		{10000, MaxListLimit, MaxListLimit},
	}
	for _, tt := range tests {
		if got := ListLimit(tt.in); got != tt.list {
			t.Errorf("ListLimit(%d) = %d, want %d", tt.in, got, tt.list)
		}
		if got := SearchLimit(tt.in); got != tt.search {
			t.Errorf("SearchLimit(%d) = %d, want %d", tt.in, got, tt.search)
		}
	}
}

func TestSnippet(t *testing.T) {
	short := "hello"
	if got := Snippet(short); got != short {
		t.Errorf("Snippet(short) = %q, want unchanged", got)
	}

	long := strings.Repeat("ä", 250)
	got := Snippet(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Snippet(long) should end with ...")
	}
	if n := len([]rune(strings.TrimSuffix(got, "..."))); n != SnippetLength {
		t.Errorf("snippet length = %d runes, want %d", n, SnippetLength)
	}
}

func TestEscapeLike(t *testing.T) {
	if got, want := EscapeLike(`50%_off\`), `50\%\_off\\`; got != want {
		t.Errorf("EscapeLike = %q, want %q", got, want)
	}
}
