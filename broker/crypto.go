package broker

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-jose/go-jose/v3"
)

// ErrInvalidJWS is the uniform verification failure. Callers cannot tell a
// bad signature from a missing key or a malformed token.
var ErrInvalidJWS = errors.New("invalid JWS")

// SigningKey is an RSA private key together with its derived key ID.
type SigningKey struct {
	id  string
	key *rsa.PrivateKey
}

// NewSigningKey wraps key and derives its key ID, a fingerprint of the
// public components. The same key material always yields the same ID.
func NewSigningKey(key *rsa.PrivateKey) (*SigningKey, error) {
	if key == nil {
		return nil, errors.New("nil RSA key")
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid RSA key: %w", err)
	}
	h := sha256.New()
	h.Write(big.NewInt(int64(key.E)).Bytes())
	h.Write([]byte("."))
	h.Write(key.N.Bytes())
	return &SigningKey{
		id:  base64.RawURLEncoding.EncodeToString(h.Sum(nil)),
		key: key,
	}, nil
}

// GenerateSigningKey creates a fresh 2048-bit RSA signing key.
func GenerateSigningKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return NewSigningKey(key)
}

// KeyID returns the published kid value.
func (k *SigningKey) KeyID() string { return k.id }

// Private returns the underlying private key, for persistence.
func (k *SigningKey) Private() *rsa.PrivateKey { return k.key }

type jwsHeader struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
}

// Sign wraps payload in a compact JWS, signed with RSASSA-PKCS1-v1.5 over
// SHA-256. The key was validated at construction, so a signing failure is an
// invariant violation and panics.
func (k *SigningKey) Sign(payload []byte) string {
	header, err := json.Marshal(jwsHeader{Kid: k.id, Alg: "RS256"})
	if err != nil {
		panic("broker: marshal JWS header: " + err.Error())
	}
	input := base64.RawURLEncoding.EncodeToString(header) +
		"." + base64.RawURLEncoding.EncodeToString(payload)
	digest := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.key, crypto.SHA256, digest[:])
	if err != nil {
		panic("broker: sign JWS: " + err.Error())
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// PublicJWK returns the public half as a JWK for the published key set.
func (k *SigningKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.key.PublicKey,
		KeyID:     k.id,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// ProviderKey is one entry of a provider's published key set, kept as raw
// JWK fields so unusable entries can sit alongside usable ones.
type ProviderKey struct {
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// findProviderKey selects the unique signature key matching kid. Zero
// candidates means the token cannot be checked; more than one means the kid
// is ambiguous. Both fail.
func findProviderKey(keys []ProviderKey, kid string) (*rsa.PublicKey, error) {
	var match *ProviderKey
	for i := range keys {
		k := &keys[i]
		if k.Kid != kid || k.Use != "sig" {
			continue
		}
		if match != nil {
			return nil, ErrInvalidJWS
		}
		match = k
	}
	if match == nil {
		return nil, ErrInvalidJWS
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(match.N)
	if err != nil {
		return nil, ErrInvalidJWS
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(match.E)
	if err != nil {
		return nil, ErrInvalidJWS
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() < 3 || e.Int64() > int64(1)<<31-1 {
		return nil, ErrInvalidJWS
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// VerifyJWS checks a compact JWS against a provider key set and returns the
// decoded payload. Every failure mode returns ErrInvalidJWS.
func VerifyJWS(token string, keys []ProviderKey) (json.RawMessage, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidJWS
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidJWS
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidJWS
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidJWS
	}

	var header jwsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil || header.Kid == "" {
		return nil, ErrInvalidJWS
	}
	pub, err := findProviderKey(keys, header.Kid)
	if err != nil {
		return nil, ErrInvalidJWS
	}

	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return nil, ErrInvalidJWS
	}
	return json.RawMessage(payload), nil
}

// NewSessionID derives the key under which a login attempt is stored. The
// random component makes it unguessable, the hashed inputs tie it to one
// email and relying party.
func NewSessionID(email EmailAddress, clientID string) string {
	rnd := make([]byte, 16)
	if _, err := rand.Read(rnd); err != nil {
		panic("broker: read random: " + err.Error())
	}
	h := sha256.New()
	h.Write([]byte(email.String()))
	h.Write([]byte(clientID))
	h.Write(rnd)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// NewNonce returns a fresh single-use nonce for an outbound provider request.
func NewNonce() string {
	rnd := make([]byte, 16)
	if _, err := rand.Read(rnd); err != nil {
		panic("broker: read random: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(rnd)
}
