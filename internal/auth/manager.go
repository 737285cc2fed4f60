// Package auth manages broker credentials and token lifecycle: validation
// before storage, encryption at rest when key material is available, lazy
// TTL expiry, and deduplicated token refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"broker-core/internal/apierr"
	"broker-core/pkg/crypto"
	"broker-core/pkg/kvstore"
)

var (
	ErrNoCredentials = errors.New("no credentials stored for broker")
	ErrNoToken       = errors.New("no token stored for broker")
)

// Token is an auth token with its refresh metadata.
type Token struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	TokenType    string    `json:"tokenType"` // bearer, api-key, session
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the token is past its expiry.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// StoredCredential is the durable record kept under auth:<brokerId>.
type StoredCredential struct {
	BrokerID        string    `json:"brokerId"`
	Payload         string    `json:"payload"` // JSON credentials, sealed when encrypted
	Token           *Token    `json:"token,omitempty"`
	LastValidatedAt time.Time `json:"lastValidatedAt"`
	Encrypted       bool      `json:"encrypted"`
}

// RefreshFunc exchanges a refresh token for a new token. Injected so the
// manager never owns transport concerns.
type RefreshFunc func(ctx context.Context, brokerID, refreshToken string) (Token, error)

// Config tunes the manager.
type Config struct {
	CacheTTL         time.Duration // stored credentials older than this are purged lazily
	RefreshThreshold time.Duration // refresh tokens due to expire within this window
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         24 * time.Hour,
		RefreshThreshold: 2 * time.Minute,
	}
}

type refreshCall struct {
	done  chan struct{}
	token Token
	err   error
}

// Manager owns credential and token state for all brokers.
type Manager struct {
	cfg       Config
	validator *Validator
	cipher    *crypto.Cipher // nil when encryption is unavailable
	store     *kvstore.Store // nil means memory-only
	refresh   RefreshFunc

	mu       sync.Mutex
	cache    map[string]*StoredCredential
	inFlight map[string]*refreshCall // per-broker refresh dedup
	now      func() time.Time
}

// NewManager builds a Manager. cipher may be nil: storage then proceeds
// unencrypted and the condition is logged as a warning, never a failure.
func NewManager(cfg Config, validator *Validator, cipher *crypto.Cipher, store *kvstore.Store, refresh RefreshFunc) *Manager {
	if validator == nil {
		validator = NewValidator()
	}
	m := &Manager{
		cfg:       cfg,
		validator: validator,
		cipher:    cipher,
		store:     store,
		refresh:   refresh,
		cache:     make(map[string]*StoredCredential),
		inFlight:  make(map[string]*refreshCall),
		now:       time.Now,
	}
	if cipher == nil {
		log.Printf("auth: no encryption key available; credentials will be cached in plaintext")
	}
	return m
}

func storageKey(brokerID string) string { return "auth:" + brokerID }

// StoreCredentials validates then persists credentials for a broker.
// Invalid credentials are never stored.
func (m *Manager) StoreCredentials(ctx context.Context, brokerID string, creds map[string]any) (ValidationResult, error) {
	res := m.validator.Validate(brokerID, creds)
	if !res.IsValid {
		return res, &apierr.ValidationError{Broker: brokerID, Errors: res.Errors}
	}
	for _, w := range res.Warnings {
		log.Printf("auth: %s credential warning: %s", brokerID, w)
	}

	raw, err := json.Marshal(creds)
	if err != nil {
		return res, fmt.Errorf("marshal credentials: %w", err)
	}

	rec := &StoredCredential{
		BrokerID:        brokerID,
		Payload:         string(raw),
		LastValidatedAt: m.now(),
	}
	if m.cipher != nil {
		sealed, err := m.cipher.Seal(rec.Payload)
		if err != nil {
			return res, fmt.Errorf("encrypt credentials: %w", err)
		}
		rec.Payload = sealed
		rec.Encrypted = true
	}

	m.mu.Lock()
	m.cache[brokerID] = rec
	m.mu.Unlock()

	if err := m.persist(ctx, rec); err != nil {
		// Durable storage is best effort; memory cache already holds it.
		log.Printf("auth: persist %s credentials failed: %v", brokerID, err)
	}
	return res, nil
}

// GetCredentials returns the decrypted credential payload for a broker.
// Entries older than the TTL are treated as absent and purged.
func (m *Manager) GetCredentials(ctx context.Context, brokerID string) (map[string]any, error) {
	rec, err := m.load(ctx, brokerID)
	if err != nil {
		return nil, err
	}

	payload := rec.Payload
	if rec.Encrypted {
		if m.cipher == nil {
			return nil, fmt.Errorf("credentials for %s are encrypted but no key is loaded", brokerID)
		}
		payload, err = m.cipher.Open(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s credentials: %w", brokerID, err)
		}
	}

	var creds map[string]any
	if err := json.Unmarshal([]byte(payload), &creds); err != nil {
		return nil, fmt.Errorf("decode %s credentials: %w", brokerID, err)
	}
	return creds, nil
}

// RemoveCredentials deletes a broker's stored credentials and token.
func (m *Manager) RemoveCredentials(ctx context.Context, brokerID string) error {
	m.mu.Lock()
	delete(m.cache, brokerID)
	m.mu.Unlock()
	if m.store != nil {
		return m.store.Delete(ctx, storageKey(brokerID))
	}
	return nil
}

// StoreToken records a token for a broker. A token without an explicit
// expiry that looks like a JWT gets its expiry lifted from the exp claim.
func (m *Manager) StoreToken(ctx context.Context, brokerID string, tok Token) error {
	if tok.ExpiresAt.IsZero() {
		if exp, ok := jwtExpiry(tok.Token); ok {
			tok.ExpiresAt = exp
		}
	}
	if tok.TokenType == "" {
		tok.TokenType = "bearer"
	}

	m.mu.Lock()
	rec, ok := m.cache[brokerID]
	if !ok {
		rec = &StoredCredential{BrokerID: brokerID, LastValidatedAt: m.now()}
		m.cache[brokerID] = rec
	}
	rec.Token = &tok
	m.mu.Unlock()

	if err := m.persist(ctx, rec); err != nil {
		log.Printf("auth: persist %s token failed: %v", brokerID, err)
	}
	return nil
}

// GetToken returns a live token, refreshing it first when it is expired or
// due to expire within the refresh threshold. Concurrent callers for the
// same broker share a single in-flight refresh.
func (m *Manager) GetToken(ctx context.Context, brokerID string) (Token, error) {
	rec, err := m.load(ctx, brokerID)
	if err != nil {
		return Token{}, err
	}
	if rec.Token == nil {
		return Token{}, fmt.Errorf("%w: %s", ErrNoToken, brokerID)
	}

	tok := *rec.Token
	now := m.now()
	if tok.ExpiresAt.IsZero() || now.Add(m.cfg.RefreshThreshold).Before(tok.ExpiresAt) {
		return tok, nil
	}
	return m.RefreshToken(ctx, brokerID)
}

// RefreshToken forces a refresh, deduplicating concurrent calls per broker.
func (m *Manager) RefreshToken(ctx context.Context, brokerID string) (Token, error) {
	if m.refresh == nil {
		return Token{}, &apierr.AuthenticationError{Broker: brokerID, Reason: "no refresh handler configured"}
	}

	m.mu.Lock()
	if call, ok := m.inFlight[brokerID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inFlight[brokerID] = call

	var refreshToken string
	if rec, ok := m.cache[brokerID]; ok && rec.Token != nil {
		refreshToken = rec.Token.RefreshToken
	}
	m.mu.Unlock()

	tok, err := m.refresh(ctx, brokerID, refreshToken)
	if err != nil {
		err = &apierr.AuthenticationError{Broker: brokerID, Reason: err.Error()}
	}

	m.mu.Lock()
	delete(m.inFlight, brokerID)
	m.mu.Unlock()

	call.token, call.err = tok, err
	close(call.done)

	if err != nil {
		return Token{}, err
	}
	if storeErr := m.StoreToken(ctx, brokerID, tok); storeErr != nil {
		log.Printf("auth: store refreshed %s token failed: %v", brokerID, storeErr)
	}
	return tok, nil
}

// AuthHeaders builds request headers for the broker's current token. The
// scheme depends on the token type; no single scheme is assumed.
func (m *Manager) AuthHeaders(ctx context.Context, brokerID string) (map[string]string, error) {
	tok, err := m.GetToken(ctx, brokerID)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(tok.TokenType) {
	case "api-key":
		return map[string]string{"X-API-Key": tok.Token}, nil
	case "session":
		return map[string]string{"Cookie": "session=" + tok.Token}, nil
	default: // bearer
		return map[string]string{"Authorization": "Bearer " + tok.Token}, nil
	}
}

// load fetches from cache, falling back to the durable store, applying lazy
// TTL expiry in both layers.
func (m *Manager) load(ctx context.Context, brokerID string) (*StoredCredential, error) {
	m.mu.Lock()
	rec, ok := m.cache[brokerID]
	m.mu.Unlock()

	if ok {
		if m.expired(rec) {
			_ = m.RemoveCredentials(ctx, brokerID)
			return nil, fmt.Errorf("%w: %s", ErrNoCredentials, brokerID)
		}
		return rec, nil
	}

	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, brokerID)
	}
	raw, err := m.store.Get(ctx, storageKey(brokerID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, brokerID)
	}
	if err != nil {
		return nil, err
	}

	var loaded StoredCredential
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, fmt.Errorf("decode stored credential %s: %w", brokerID, err)
	}
	if m.expired(&loaded) {
		_ = m.store.Delete(ctx, storageKey(brokerID))
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, brokerID)
	}

	m.mu.Lock()
	m.cache[brokerID] = &loaded
	m.mu.Unlock()
	return &loaded, nil
}

func (m *Manager) expired(rec *StoredCredential) bool {
	return m.cfg.CacheTTL > 0 && m.now().Sub(rec.LastValidatedAt) > m.cfg.CacheTTL
}

func (m *Manager) persist(ctx context.Context, rec *StoredCredential) error {
	if m.store == nil {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal stored credential: %w", err)
	}
	return m.store.Put(ctx, storageKey(rec.BrokerID), string(raw))
}

// jwtExpiry extracts the exp claim from a JWT without verifying the
// signature. The backend signed it; we only need the lifetime.
func jwtExpiry(tokenStr string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
