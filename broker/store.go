package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when a session ID is unknown or expired.
var ErrSessionNotFound = errors.New("session not found")

// CacheKey identifies a cached upstream document.
type CacheKey struct {
	kind string
	id   string
}

// DiscoveryKey caches a webfinger response for one account.
func DiscoveryKey(acct string) CacheKey {
	return CacheKey{kind: "discovery", id: acct}
}

// OidcConfigKey caches a provider's configuration document.
func OidcConfigKey(origin string) CacheKey {
	return CacheKey{kind: "oidc-config", id: origin}
}

// OidcKeySetKey caches a provider's published key set.
func OidcKeySetKey(origin string) CacheKey {
	return CacheKey{kind: "oidc-keys", id: origin}
}

func (k CacheKey) String() string { return "cache:" + k.kind + ":" + k.id }

// Store persists login sessions and cached upstream documents. Sessions are
// single-use: a save claims the ID, a consume removes it.
type Store interface {
	// SaveSession stores data under id with the given lifetime. It reports
	// false without storing anything when the id is already claimed.
	SaveSession(ctx context.Context, id string, data []byte, ttl time.Duration) (bool, error)
	// ConsumeSession returns the data stored under id and removes it, or
	// ErrSessionNotFound.
	ConsumeSession(ctx context.Context, id string) ([]byte, error)
	// SetCache stores a document under key with the given lifetime.
	SetCache(ctx context.Context, key CacheKey, data []byte, ttl time.Duration) error
	// GetCache returns the document under key, or nil after a miss.
	GetCache(ctx context.Context, key CacheKey) ([]byte, error)
	Close() error
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore keeps sessions and cached documents in process memory. Entries
// expire on access; suitable for a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	cache    map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		cache:    make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, id string, data []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.sessions[id]; ok && time.Now().Before(entry.expires) {
		return false, nil
	}
	s.sessions[id] = memoryEntry{data: data, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ConsumeSession(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.sessions, id)
	if time.Now().After(entry.expires) {
		return nil, ErrSessionNotFound
	}
	return entry.data, nil
}

func (s *MemoryStore) SetCache(_ context.Context, key CacheKey, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key.String()] = memoryEntry{data: data, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetCache(_ context.Context, key CacheKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key.String()]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		delete(s.cache, key.String())
		return nil, nil
	}
	return entry.data, nil
}

func (s *MemoryStore) Close() error { return nil }
