package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SessionData is the relying-party half of a login attempt: everything
// needed to answer the caller once a provider has vouched for the email.
type SessionData struct {
	Email        EmailAddress `json:"email"`
	ClientID     string       `json:"client_id"`
	RedirectURI  string       `json:"redirect_uri"`
	Nonce        string       `json:"nonce"`
	State        string       `json:"state,omitempty"`
	ResponseMode string       `json:"response_mode"`
}

// BridgeKindOidc tags sessions owned by the OpenID Connect bridge.
const BridgeKindOidc = "oidc"

// BridgeData is the provider half of a login attempt, tagged by the bridge
// that created it.
type BridgeData struct {
	Kind string          `json:"kind"`
	Oidc *OidcBridgeData `json:"oidc,omitempty"`
}

// OidcBridgeData is what the OpenID Connect bridge needs at callback time to
// validate the provider's token.
type OidcBridgeData struct {
	Link     Link   `json:"link"`
	Origin   string `json:"origin"`
	ClientID string `json:"client_id"`
	Nonce    string `json:"nonce"`
}

// OidcData returns the OIDC payload. It fails closed when the tag and the
// payload disagree, so a session from one bridge cannot finish another.
func (b BridgeData) OidcData() (*OidcBridgeData, error) {
	if b.Kind != BridgeKindOidc || b.Oidc == nil {
		return nil, ProviderInput("session does not belong to the oidc bridge")
	}
	return b.Oidc, nil
}

// Session is the stored unit of an in-flight login, keyed by session ID.
type Session struct {
	Data   SessionData `json:"data"`
	Bridge BridgeData  `json:"bridge"`
}

// Sessions serializes Session values into a Store with a fixed lifetime.
type Sessions struct {
	store Store
	ttl   time.Duration
}

// NewSessions wraps store. Sessions expire after ttl.
func NewSessions(store Store, ttl time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl}
}

// Save claims id for sess. A false result means a competing attempt already
// claimed the ID.
func (s *Sessions) Save(ctx context.Context, id string, sess Session) (bool, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return false, Internal("marshal session", err)
	}
	claimed, err := s.store.SaveSession(ctx, id, data, s.ttl)
	if err != nil {
		return false, Internal("save session", err)
	}
	return claimed, nil
}

// Consume loads and removes the session stored under id. Unknown, expired
// and undecodable sessions all produce the same provider input failure.
func (s *Sessions) Consume(ctx context.Context, id string) (Session, error) {
	data, err := s.store.ConsumeSession(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ProviderInput("session not found: " + id)
	}
	if err != nil {
		return Session{}, Internal("load session", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, ProviderInput("session data corrupt: " + id)
	}
	return sess, nil
}
