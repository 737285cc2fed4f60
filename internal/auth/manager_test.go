package auth

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broker-core/internal/apierr"
	"broker-core/pkg/crypto"
	"broker-core/pkg/kvstore"
)

func testManager(t *testing.T, refresh RefreshFunc) (*Manager, *kvstore.Store) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return NewManager(DefaultConfig(), NewValidator(), cipher, store, refresh), store
}

func TestStoreCredentialsRejectsInvalid(t *testing.T) {
	m, store := testManager(t, nil)
	ctx := context.Background()

	_, err := m.StoreCredentials(ctx, "bybit", map[string]any{"apiKey": ""})
	var verr *apierr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	// Nothing must be stored.
	if _, err := store.Get(ctx, "auth:bybit"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("invalid credentials were persisted: %v", err)
	}
	if _, err := m.GetCredentials(ctx, "bybit"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("invalid credentials cached: %v", err)
	}
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	m, store := testManager(t, nil)
	ctx := context.Background()

	creds := map[string]any{"apiKey": "abcdefgh1234", "secretKey": "validlongkey1234567890"}
	if _, err := m.StoreCredentials(ctx, "bybit", creds); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	raw, err := store.Get(ctx, "auth:bybit")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if bytes.Contains([]byte(raw), []byte("validlongkey")) {
		t.Fatal("secret key persisted in plaintext")
	}

	got, err := m.GetCredentials(ctx, "bybit")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got["secretKey"] != "validlongkey1234567890" {
		t.Fatalf("round trip lost secret: %v", got)
	}
}

func TestPlaintextFallbackWithoutCipher(t *testing.T) {
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := NewManager(DefaultConfig(), NewValidator(), nil, store, nil)
	ctx := context.Background()

	creds := map[string]any{"apiKey": "abcdefgh1234", "secretKey": "validlongkey1234567890"}
	if _, err := m.StoreCredentials(ctx, "bybit", creds); err != nil {
		t.Fatalf("StoreCredentials without cipher: %v", err)
	}
	got, err := m.GetCredentials(ctx, "bybit")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got["apiKey"] != "abcdefgh1234" {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	if _, err := m.StoreCredentials(ctx, "bybit", map[string]any{
		"apiKey": "abcdefgh1234", "secretKey": "validlongkey1234567890",
	}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	// Jump past the TTL.
	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if _, err := m.GetCredentials(ctx, "bybit"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expired credentials still served: %v", err)
	}
}

func TestRefreshDeduplication(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	refresh := func(ctx context.Context, brokerID, refreshToken string) (Token, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return Token{Token: "fresh", TokenType: "bearer", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	m, _ := testManager(t, refresh)
	ctx := context.Background()

	// Seed an expired token so GetToken must refresh.
	if err := m.StoreToken(ctx, "ibkr", Token{
		Token: "stale", RefreshToken: "r1", TokenType: "bearer",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	tokens := make([]Token, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetToken(ctx, "ibkr")
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond) // let the rest pile onto the in-flight call
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh called %d times, want 1", got)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if tokens[i].Token != "fresh" {
			t.Fatalf("worker %d token = %q, want fresh", i, tokens[i].Token)
		}
	}
}

func TestAuthHeadersPerTokenType(t *testing.T) {
	m, _ := testManager(t, nil)
	ctx := context.Background()

	tests := []struct {
		tokenType string
		wantKey   string
		wantValue string
	}{
		{"bearer", "Authorization", "Bearer tok"},
		{"api-key", "X-API-Key", "tok"},
		{"session", "Cookie", "session=tok"},
	}
	for _, tt := range tests {
		t.Run(tt.tokenType, func(t *testing.T) {
			if err := m.StoreToken(ctx, "mt5", Token{
				Token: "tok", TokenType: tt.tokenType, ExpiresAt: time.Now().Add(time.Hour),
			}); err != nil {
				t.Fatalf("StoreToken: %v", err)
			}
			headers, err := m.AuthHeaders(ctx, "mt5")
			if err != nil {
				t.Fatalf("AuthHeaders: %v", err)
			}
			if headers[tt.wantKey] != tt.wantValue {
				t.Fatalf("headers = %v, want %s=%s", headers, tt.wantKey, tt.wantValue)
			}
		})
	}
}

func TestRefreshFailureSurfacesAuthError(t *testing.T) {
	refresh := func(ctx context.Context, brokerID, refreshToken string) (Token, error) {
		return Token{}, errors.New("backend said no")
	}
	m, _ := testManager(t, refresh)
	ctx := context.Background()

	if err := m.StoreToken(ctx, "ibkr", Token{
		Token: "stale", TokenType: "bearer", ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}

	_, err := m.GetToken(ctx, "ibkr")
	var aerr *apierr.AuthenticationError
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want AuthenticationError", err)
	}
}

func TestDurableReloadAcrossManagers(t *testing.T) {
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cipher, _ := crypto.NewCipher(bytes.Repeat([]byte{7}, 32))
	ctx := context.Background()

	first := NewManager(DefaultConfig(), NewValidator(), cipher, store, nil)
	if _, err := first.StoreCredentials(ctx, "mt5", map[string]any{
		"login": "123456", "password": "pw", "server": "Live-Server",
	}); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	// Fresh manager over the same store, same key: must decrypt.
	second := NewManager(DefaultConfig(), NewValidator(), cipher, store, nil)
	creds, err := second.GetCredentials(ctx, "mt5")
	if err != nil {
		t.Fatalf("GetCredentials after reload: %v", err)
	}
	if creds["login"] != "123456" {
		t.Fatalf("reloaded creds = %v", creds)
	}
}
