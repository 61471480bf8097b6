package broker

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// keysToKeep bounds the published set: the signing key plus one predecessor,
// so tokens issued just before a rotation still verify.
const keysToKeep = 2

// KeyManagerConfig configures a KeyManager.
type KeyManagerConfig struct {
	// Issuer is the broker's public URL, used as the iss claim.
	Issuer string
	// TokenTTL is the lifetime of issued identity tokens.
	TokenTTL time.Duration
	// Keyfiles are PEM files with operator-managed RSA keys. When set, the
	// manager neither generates, rotates nor persists keys, and the last
	// listed key signs.
	Keyfiles []string
	// RotateInterval is the time between automatic rotations of generated
	// keys. Zero disables rotation.
	RotateInterval time.Duration
	// StorePath persists generated keys across restarts. Empty keeps them
	// in memory only.
	StorePath string
}

// KeyManager owns the broker's signing keys. The newest key signs new
// tokens; older keys stay published so outstanding tokens keep verifying.
type KeyManager struct {
	mu   sync.RWMutex
	keys []*SigningKey

	issuer   string
	tokenTTL time.Duration

	rotateEvery time.Duration
	storePath   string
	manual      bool
	logger      *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
}

// NewKeyManager loads keys from the configured keyfiles, or restores
// previously generated keys from disk, or generates a fresh key.
func NewKeyManager(cfg KeyManagerConfig, logger *slog.Logger) (*KeyManager, error) {
	m := &KeyManager{
		issuer:      cfg.Issuer,
		tokenTTL:    cfg.TokenTTL,
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.StorePath,
		manual:      len(cfg.Keyfiles) > 0,
		logger:      logger,
	}

	if m.manual {
		for _, path := range cfg.Keyfiles {
			key, err := loadKeyfile(path)
			if err != nil {
				return nil, err
			}
			m.keys = append(m.keys, key)
		}
		logger.Info("loaded signing keys from keyfiles",
			"count", len(m.keys), "kid", m.keys[len(m.keys)-1].KeyID())
		return m, nil
	}

	restored, err := m.loadFromDisk()
	if err != nil {
		return nil, err
	}
	if restored {
		logger.Info("restored signing keys",
			"path", m.storePath, "count", len(m.keys))
		return m, nil
	}
	if err := m.Rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

func loadKeyfile(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyfile: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keyfile %s contains no PEM block", path)
	}

	var rsaKey *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		rsaKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse keyfile %s: %w", path, err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse keyfile %s: %w", path, err)
		}
		var ok bool
		if rsaKey, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("keyfile %s is not an RSA key", path)
		}
	default:
		return nil, fmt.Errorf("keyfile %s has unsupported PEM type %q", path, block.Type)
	}

	key, err := NewSigningKey(rsaKey)
	if err != nil {
		return nil, fmt.Errorf("keyfile %s: %w", path, err)
	}
	return key, nil
}

// Rotate generates a new signing key, makes it current and drops the oldest
// key beyond the retention window.
func (m *KeyManager) Rotate() error {
	key, err := GenerateSigningKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	if len(m.keys) > keysToKeep {
		m.keys = m.keys[len(m.keys)-keysToKeep:]
	}
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.logger.Info("rotated signing key", "kid", key.KeyID(), "published", len(m.keys))
	return nil
}

// StartRotation begins rotating generated keys in the background. It does
// nothing for keyfile-managed keys or a zero interval.
func (m *KeyManager) StartRotation() {
	if m.manual || m.rotateEvery <= 0 {
		return
	}
	m.ticker = time.NewTicker(m.rotateEvery)
	m.stop = make(chan struct{})
	go func() {
		for {
			select {
			case <-m.ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("key rotation failed", "error", err)
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// StopRotation halts background rotation.
func (m *KeyManager) StopRotation() {
	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stop)
		m.ticker = nil
	}
}

// Current returns the key that signs new tokens.
func (m *KeyManager) Current() *SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[len(m.keys)-1]
}

// PublicJWKS returns the published key set.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(m.keys))}
	for _, key := range m.keys {
		set.Keys = append(set.Keys, key.PublicJWK())
	}
	return set
}

type identityClaims struct {
	Aud           string `json:"aud"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Exp           int64  `json:"exp"`
	Iat           int64  `json:"iat"`
	Iss           string `json:"iss"`
	Sub           string `json:"sub"`
	Nonce         string `json:"nonce"`
}

// IssueToken mints the broker's identity token for a finished login. The
// email_verified claim carries the address itself, matching what relying
// parties of the protocol expect.
func (m *KeyManager) IssueToken(email EmailAddress, audience, nonce string) string {
	now := time.Now().Unix()
	payload, err := json.Marshal(identityClaims{
		Aud:           audience,
		Email:         email.String(),
		EmailVerified: email.String(),
		Exp:           now + int64(m.tokenTTL/time.Second),
		Iat:           now,
		Iss:           m.issuer,
		Sub:           email.String(),
		Nonce:         nonce,
	})
	if err != nil {
		panic("broker: marshal identity claims: " + err.Error())
	}
	return m.Current().Sign(payload)
}

func (m *KeyManager) persistLocked() error {
	if m.manual || m.storePath == "" {
		return nil
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(m.keys))}
	for _, key := range m.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Private(),
			KeyID:     key.KeyID(),
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(m.storePath, data, 0o600); err != nil {
		return fmt.Errorf("write key set: %w", err)
	}
	return nil
}

func (m *KeyManager) loadFromDisk() (bool, error) {
	if m.storePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(m.storePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read key set: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return false, fmt.Errorf("parse key set %s: %w", m.storePath, err)
	}
	if len(set.Keys) == 0 {
		return false, nil
	}
	for _, jwk := range set.Keys {
		rsaKey, ok := jwk.Key.(*rsa.PrivateKey)
		if !ok {
			return false, fmt.Errorf("key set %s holds a non-RSA key", m.storePath)
		}
		key, err := NewSigningKey(rsaKey)
		if err != nil {
			return false, fmt.Errorf("key set %s: %w", m.storePath, err)
		}
		m.keys = append(m.keys, key)
	}
	return true, nil
}
