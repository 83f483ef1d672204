package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned for publishes without a valid key
var ErrUnauthorized = errors.New("publish not authorized")

// PublishKey authorizes publishing one stream until it expires
type PublishKey struct {
	Key        string    `json:"key"`
	StreamName string    `json:"streamName"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Uses       int       `json:"uses"`
}

// Valid reports whether the key has not expired at now
func (k *PublishKey) Valid(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}

// Manager issues and checks publish keys
type Manager struct {
	keys map[string]*PublishKey // key -> PublishKey
	mu   sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration
	open              bool
	now               func() time.Time
}

// New creates a new auth manager
func New(defaultExpiration, maxExpiration time.Duration) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = 1 * time.Hour
	}
	if maxExpiration < defaultExpiration {
		maxExpiration = defaultExpiration
	}
	return &Manager{
		keys:              make(map[string]*PublishKey),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
		now:               time.Now,
	}
}

// SetOpen makes Authorize accept any publishing name
func (m *Manager) SetOpen(open bool) {
	m.mu.Lock()
	m.open = open
	m.mu.Unlock()
}

// Issue creates a publish key for streamName. A zero expiresIn uses the default;
// longer than the maximum is capped.
func (m *Manager) Issue(streamName string, expiresIn time.Duration) (*PublishKey, error) {
	// Generate secure random key
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	expiration := expiresIn
	if expiration <= 0 {
		expiration = m.defaultExpiration
	}
	// Cap at max expiration
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	key := &PublishKey{
		Key:        hex.EncodeToString(keyBytes),
		StreamName: streamName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiration),
	}

	m.mu.Lock()
	m.keys[key.Key] = key
	m.mu.Unlock()

	return key, nil
}

// Grant is an authorized publish
type Grant struct {
	Stream string // name to publish under
	Named  bool   // Stream is the name an issued key was bound to, not caller input
}

// Authorize checks a publishing name of the form "key" or "stream?token=key" and
// returns the stream to publish under
func (m *Manager) Authorize(publishingName string) (Grant, error) {
	name, token := parseStreamKeyAndToken(publishingName)
	if token == "" {
		token = name
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.keys[token]; ok && key.Valid(m.now()) {
		if token != name && key.StreamName != "" && key.StreamName != name {
			return Grant{}, fmt.Errorf("%w: key not valid for stream %s", ErrUnauthorized, name)
		}
		key.Uses++
		if key.StreamName != "" {
			return Grant{Stream: key.StreamName, Named: true}, nil
		}
		return Grant{Stream: name}, nil
	}
	if m.open {
		return Grant{Stream: name}, nil
	}
	return Grant{}, ErrUnauthorized
}

// Revoke removes a key and reports whether it existed
func (m *Manager) Revoke(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.keys[key]
	delete(m.keys, key)
	return ok
}

// CleanupExpiredKeys removes all expired keys (call periodically)
func (m *Manager) CleanupExpiredKeys() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, key := range m.keys {
		if !key.Valid(now) {
			delete(m.keys, k)
			removed++
		}
	}
	return removed
}

// KeyCount returns the number of stored keys
func (m *Manager) KeyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// parseStreamKeyAndToken splits "stream?token=xxx"; other query parameters are ignored
func parseStreamKeyAndToken(publishingName string) (streamKey, token string) {
	streamKey, query, found := strings.Cut(publishingName, "?")
	if !found {
		return publishingName, ""
	}
	for _, kv := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(kv, "token="); ok {
			token = v
		}
	}
	return streamKey, token
}
