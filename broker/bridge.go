package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// GoogleIdPOrigin is the only origin the Google relation may delegate to.
const GoogleIdPOrigin = "https://accounts.google.com"

// ClaimLeeway is the clock skew tolerated on provider token timestamps.
const ClaimLeeway = 30 * time.Second

// BridgeConfig carries the broker-wide settings the bridge needs.
type BridgeConfig struct {
	// PublicURL is the broker's own origin. It doubles as the client ID
	// towards Portier-relation providers.
	PublicURL string
	// GoogleClientID is the operator's Google OAuth client. Empty disables
	// the Google relation.
	GoogleClientID string
	// AllowInsecure permits plain HTTP providers, for local testing only.
	AllowInsecure bool
}

// OidcBridge runs the OpenID Connect conversation with discovered identity
// providers: it sends the user agent out with an authorization request and
// validates the token the provider posts back.
type OidcBridge struct {
	fetcher  *FetchService
	sessions *Sessions
	keys     *KeyManager
	cfg      BridgeConfig
	logger   *slog.Logger
}

// NewOidcBridge assembles a bridge from its dependencies.
func NewOidcBridge(fetcher *FetchService, sessions *Sessions, keys *KeyManager, cfg BridgeConfig, logger *slog.Logger) *OidcBridge {
	return &OidcBridge{
		fetcher:  fetcher,
		sessions: sessions,
		keys:     keys,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProviderConfig is the slice of an OpenID Connect configuration document
// the bridge uses.
type ProviderConfig struct {
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	JwksURI                string   `json:"jwks_uri"`
	ResponseModesSupported []string `json:"response_modes_supported"`
}

type providerKeys struct {
	Keys []ProviderKey `json:"keys"`
}

// validateOrigin reduces an identity provider link to its origin. Only bare
// http and https origins qualify: a host, optionally a port, and no path,
// userinfo, query or fragment. Default ports are stripped.
func validateOrigin(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if u.User != nil {
		return "", errors.New("userinfo not allowed")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", errors.New("not a bare origin")
	}
	host := strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return u.Scheme + "://" + host, nil
}

// Auth starts the provider leg of a login attempt. It claims sessionID,
// stores the joint session state and returns the authorization URL to send
// the user agent to.
func (b *OidcBridge) Auth(ctx context.Context, sessionID string, data SessionData, link Link) (string, error) {
	origin, err := validateOrigin(link.Href)
	if err != nil {
		return "", Provider(link.Href, fmt.Sprintf("invalid provider link %s", link.Href), err)
	}

	bridgeData := OidcBridgeData{
		Link:     link,
		Origin:   origin,
		ClientID: b.cfg.PublicURL,
		Nonce:    NewNonce(),
	}
	switch link.Rel {
	case RelationPortier:
		if !b.cfg.AllowInsecure && !strings.HasPrefix(origin, "https://") {
			return "", Provider(origin, fmt.Sprintf("insecure provider link %s", link.Href), nil)
		}
	case RelationGoogle:
		if origin != GoogleIdPOrigin {
			return "", Provider(origin, fmt.Sprintf("the Google relation only supports %s", GoogleIdPOrigin), nil)
		}
		if b.cfg.GoogleClientID == "" {
			return "", Cancelled()
		}
		bridgeData.ClientID = b.cfg.GoogleClientID
	default:
		return "", Cancelled()
	}

	provider, err := b.fetchConfig(ctx, origin)
	if err != nil {
		return "", err
	}

	authURL, err := b.buildAuthURL(provider, bridgeData, data, sessionID)
	if err != nil {
		return "", err
	}

	claimed, err := b.sessions.Save(ctx, sessionID, Session{
		Data:   data,
		Bridge: BridgeData{Kind: BridgeKindOidc, Oidc: &bridgeData},
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", Cancelled()
	}

	b.logger.Info("starting oidc authentication",
		"origin", origin, "rel", bridgeData.Link.Rel.String())
	return authURL, nil
}

// buildAuthURL renders the implicit flow authorization request. Parameters
// are appended to the endpoint URL, preserving any query it already has.
func (b *OidcBridge) buildAuthURL(provider ProviderConfig, bridgeData OidcBridgeData, data SessionData, sessionID string) (string, error) {
	conf := &oauth2.Config{
		ClientID:    bridgeData.ClientID,
		RedirectURL: b.cfg.PublicURL + "/callback",
		Scopes:      []string{"openid", "email"},
		Endpoint:    oauth2.Endpoint{AuthURL: provider.AuthorizationEndpoint},
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", "id_token"),
		oauth2.SetAuthURLParam("nonce", bridgeData.Nonce),
		oauth2.SetAuthURLParam("login_hint", data.Email.String()),
	}
	switch {
	case slices.Contains(provider.ResponseModesSupported, "form_post"):
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", "form_post"))
	case slices.Contains(provider.ResponseModesSupported, "fragment"):
		// The default response mode for id_token, no parameter needed.
	default:
		return "", Provider(bridgeData.Origin,
			fmt.Sprintf("%s supports neither the form_post nor the fragment response mode", bridgeData.Origin), nil)
	}
	return conf.AuthCodeURL(sessionID, opts...), nil
}

// fetchConfig retrieves a provider's configuration document and checks its
// endpoints.
func (b *OidcBridge) fetchConfig(ctx context.Context, origin string) (ProviderConfig, error) {
	var provider ProviderConfig
	configURL := origin + "/.well-known/openid-configuration"
	if err := b.fetcher.FetchJSON(ctx, configURL, OidcConfigKey(origin), &provider); err != nil {
		return ProviderConfig{}, Provider(origin, fmt.Sprintf("could not fetch %s's configuration", origin), err)
	}
	if provider.AuthorizationEndpoint == "" || provider.JwksURI == "" {
		return ProviderConfig{}, Provider(origin, fmt.Sprintf("%s's configuration is missing endpoints", origin), nil)
	}
	if !b.cfg.AllowInsecure {
		if !strings.HasPrefix(provider.AuthorizationEndpoint, "https://") {
			return ProviderConfig{}, Provider(origin, fmt.Sprintf("%s's authorization endpoint is not HTTPS", origin), nil)
		}
		if !strings.HasPrefix(provider.JwksURI, "https://") {
			return ProviderConfig{}, Provider(origin, fmt.Sprintf("%s's key set URL is not HTTPS", origin), nil)
		}
	}
	if provider.ResponseModesSupported == nil {
		provider.ResponseModesSupported = []string{"fragment"}
	}
	return provider, nil
}

// CallbackResult is a finished login: the original request data and the
// broker's own signed identity token.
type CallbackResult struct {
	Data    SessionData
	IDToken string
}

// Callback finishes the provider leg. It consumes the session behind
// sessionID, validates the provider token and mints the broker token.
func (b *OidcBridge) Callback(ctx context.Context, sessionID, rawToken string) (CallbackResult, error) {
	sess, err := b.sessions.Consume(ctx, sessionID)
	if err != nil {
		return CallbackResult{}, err
	}
	bridgeData, err := sess.Bridge.OidcData()
	if err != nil {
		return CallbackResult{}, err
	}

	provider, err := b.fetchConfig(ctx, bridgeData.Origin)
	if err != nil {
		return CallbackResult{}, err
	}

	var keySet providerKeys
	if err := b.fetcher.FetchJSON(ctx, provider.JwksURI, OidcKeySetKey(bridgeData.Origin), &keySet); err != nil {
		return CallbackResult{}, Provider(bridgeData.Origin,
			fmt.Sprintf("could not fetch %s's key set", bridgeData.Origin), err)
	}

	payload, err := VerifyJWS(rawToken, keySet.Keys)
	if err != nil {
		return CallbackResult{}, ProviderInput(
			fmt.Sprintf("could not verify the token received from %s", bridgeData.Origin))
	}

	if err := validateProviderToken(payload, bridgeData, sess.Data.Email, time.Now()); err != nil {
		return CallbackResult{}, err
	}

	b.logger.Info("oidc authentication complete",
		"origin", bridgeData.Origin, "client_id", sess.Data.ClientID)
	return CallbackResult{
		Data:    sess.Data,
		IDToken: b.keys.IssueToken(sess.Data.Email, sess.Data.ClientID, sess.Data.Nonce),
	}, nil
}

type providerClaims struct {
	Iss           string `json:"iss"`
	Aud           string `json:"aud"`
	Email         string `json:"email"`
	EmailOriginal string `json:"email_original"`
	Nonce         string `json:"nonce"`
	Iat           *int64 `json:"iat"`
	Exp           *int64 `json:"exp"`
}

// validateProviderToken checks the verified token payload against the
// session's bridge state and the email the user asked to log in with.
func validateProviderToken(payload []byte, bridgeData *OidcBridgeData, email EmailAddress, now time.Time) error {
	origin := bridgeData.Origin

	var claims providerClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ProviderInput(fmt.Sprintf("malformed token payload from %s", origin))
	}
	if claims.Iss == "" || claims.Aud == "" || claims.Email == "" || claims.Nonce == "" ||
		claims.Iat == nil || claims.Exp == nil {
		return ProviderInput(fmt.Sprintf("token from %s is missing required claims", origin))
	}

	if claims.Iss != origin {
		return claimError("iss", origin)
	}
	if claims.Aud != bridgeData.ClientID {
		return claimError("aud", origin)
	}
	if claims.Nonce != bridgeData.Nonce {
		return claimError("nonce", origin)
	}

	leeway := int64(ClaimLeeway / time.Second)
	if now.Unix() > *claims.Exp+leeway {
		return claimError("exp", origin)
	}
	if *claims.Iat-leeway > now.Unix() {
		return claimError("iat", origin)
	}

	switch bridgeData.Link.Rel {
	case RelationPortier:
		if claims.Email != email.String() {
			return claimError("email", origin)
		}
		if claims.EmailOriginal != "" && claims.EmailOriginal != email.String() {
			return claimError("email_original", origin)
		}
	case RelationGoogle:
		tokenEmail, err := ParseEmailAddress(claims.Email)
		if err != nil {
			return ProviderInput(fmt.Sprintf("unparsable email claim from %s", origin))
		}
		if tokenEmail.NormalizeGoogle() != email.NormalizeGoogle() {
			return claimError("email", origin)
		}
	default:
		return ProviderInput(fmt.Sprintf("unexpected link relation in session for %s", origin))
	}
	return nil
}

func claimError(claim, origin string) *Error {
	return ProviderInput(fmt.Sprintf("%s claim check failed for token from %s", claim, origin))
}
