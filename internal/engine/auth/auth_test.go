package auth_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"handoff/internal/domain"
	"handoff/internal/engine/auth"
	"handoff/internal/storage"
)

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	return b
}

func register(t *testing.T, b storage.Backend, exchangeID, executorID, token string) {
	t.Helper()
	ex := domain.Executor{ID: executorID, TokenDigest: auth.Digest(token)}
	data, err := json.Marshal(ex)
	if err != nil {
		t.Fatalf("marshal executor: %v", err)
	}
	if err := b.Put(context.Background(), auth.ExecutorKey(exchangeID, executorID), data); err != nil {
		t.Fatalf("store executor: %v", err)
	}
}

func TestIssueLayout(t *testing.T) {
	token := auth.Issue("home")
	if !regexp.MustCompile(`^ho1\.home\.[0-9a-f]{32}$`).MatchString(token) {
		t.Fatalf("token %q does not match layout", token)
	}
	if auth.Issue("home") == token {
		t.Fatal("two issued tokens must differ")
	}
}

func TestAuthenticateMatch(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	token := "ho1.home.0123456789abcdef0123456789abcdef"
	register(t, b, "home", "phone", token)
	register(t, b, "home", "tablet", "ho1.home.ffffffffffffffffffffffffffffffff")

	ex, err := auth.Authenticate(ctx, b, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ex == nil || ex.ID != "phone" {
		t.Fatalf("matched %+v, want phone", ex)
	}
	if ex.ExchangeID != "home" {
		t.Fatalf("exchange id = %q", ex.ExchangeID)
	}
}

func TestAuthenticateMiss(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	register(t, b, "home", "phone", "ho1.home.0123456789abcdef0123456789abcdef")

	ex, err := auth.Authenticate(ctx, b, "ho1.home.00000000000000000000000000000000")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ex != nil {
		t.Fatalf("wrong token matched %+v", ex)
	}
}

func TestAuthenticateRejectsBadLayout(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	for _, token := range []string{
		"",
		"garbage",
		"ho2.home.0123456789abcdef0123456789abcdef",
		"ho1.home.tooshort",
		"ho1.HOME.0123456789abcdef0123456789abcdef",
		"ho1..0123456789abcdef0123456789abcdef",
	} {
		ex, err := auth.Authenticate(ctx, b, token)
		if err != nil {
			t.Fatalf("authenticate %q: %v", token, err)
		}
		if ex != nil {
			t.Fatalf("malformed token %q matched %+v", token, ex)
		}
	}
}

func TestDigestTrimsWhitespace(t *testing.T) {
	token := "ho1.home.0123456789abcdef0123456789abcdef"
	if auth.Digest(token) != auth.Digest("  "+token+"\n") {
		t.Fatal("digest must ignore surrounding whitespace")
	}
}
