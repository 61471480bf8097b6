package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"portierd/broker"
)

const maxNormalizeBody = 1 << 20

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     broker.Store
	Sessions  *broker.Sessions
	Keys      *broker.KeyManager
	Webfinger *broker.Webfinger
	Bridge    *broker.OidcBridge
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var store broker.Store
	var err error
	if cfg.Store.RedisURL != "" {
		store, err = broker.NewRedisStore(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		logger.Info("sessions backed by redis")
	} else {
		store = broker.NewMemoryStore()
		if !cfg.Server.DevMode {
			logger.Warn("sessions kept in process memory, configure store.redis_url to survive restarts")
		}
	}

	keys, err := broker.NewKeyManager(broker.KeyManagerConfig{
		Issuer:         cfg.Server.PublicURL,
		TokenTTL:       cfg.TokenTTL(),
		Keyfiles:       cfg.Keys.Keyfiles,
		RotateInterval: cfg.KeyRotateInterval(),
		StorePath:      filepath.Join(cfg.Server.SecretsPath, "signing_keys.json"),
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	overrides, err := cfg.OverrideLinks()
	if err != nil {
		store.Close()
		return nil, err
	}

	insecure := cfg.Server.AllowInsecure
	fetcher := broker.NewFetchService(store, nil, cfg.CacheTTL(), logger)
	sessions := broker.NewSessions(store, cfg.SessionTTL())

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  sessions,
		Keys:      keys,
		Webfinger: broker.NewWebfinger(fetcher, cfg.Server.PublicURL, insecure, overrides),
		Bridge: broker.NewOidcBridge(fetcher, sessions, keys, broker.BridgeConfig{
			PublicURL:      cfg.Server.PublicURL,
			GoogleClientID: cfg.Google.ClientID,
			AllowInsecure:  insecure,
		}, logger),
	}, nil
}

// Close stops background work and releases backend connections.
func (a *App) Close() error {
	a.Keys.StopRotation()
	return a.Store.Close()
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Server.PublicURL
	writeJSON(w, map[string]any{
		"service": "portierd",
		"issuer":  issuer,
		"links": map[string]string{
			"discovery": issuer + "/.well-known/openid-configuration",
			"keys":      issuer + "/keys.json",
		},
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleDiscovery serves the broker's own OpenID Connect configuration, so
// relying parties can consume it like any other provider.
func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Server.PublicURL
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/auth",
		"jwks_uri":                              issuer + "/keys.json",
		"scopes_supported":                      []string{"openid", "email"},
		"claims_supported":                      []string{"aud", "email", "email_verified", "exp", "iat", "iss", "sub"},
		"response_types_supported":              []string{"id_token"},
		"response_modes_supported":              []string{"form_post", "fragment"},
		"grant_types_supported":                 []string{"implicit"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (a *App) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

// handleAuth starts a login attempt: discover providers for the email's
// domain, then try them in order until one accepts the redirect.
func (a *App) handleAuth(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseAuthRequest(r)
	if err != nil {
		a.Logger.Warn("auth invalid request", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	data := broker.SessionData{
		Email:        req.Email,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		Nonce:        req.Nonce,
		State:        req.State,
		ResponseMode: req.ResponseMode,
	}

	ctx := r.Context()
	links, err := a.Webfinger.Query(ctx, req.Email)
	if err != nil {
		a.renderError(w, r, data, err)
		return
	}
	if len(links) == 0 {
		a.renderError(w, r, data, broker.Cancelled())
		return
	}

	sessionID := broker.NewSessionID(req.Email, req.ClientID)
	var lastErr error
	for _, link := range links {
		authURL, err := a.Bridge.Auth(ctx, sessionID, data, link)
		if err != nil {
			if broker.KindOf(err) == broker.KindProviderCancelled {
				lastErr = err
				continue
			}
			a.renderError(w, r, data, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusSeeOther)
		return
	}
	a.renderError(w, r, data, lastErr)
}

// handleCallback receives the provider's response, by POST or by query
// parameters. A GET without a state parameter means the provider responded
// in the fragment, which only the user agent can see, so serve a page that
// reposts the fragment to us.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Query().Get("state") == "" {
		a.serveFragmentBounce(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed request parameters")
		return
	}
	state := r.Form.Get("state")
	idToken := r.Form.Get("id_token")
	if state == "" || idToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing state or id_token parameter")
		return
	}

	result, err := a.Bridge.Callback(r.Context(), state, idToken)
	if err != nil {
		a.renderError(w, r, broker.SessionData{}, err)
		return
	}

	fields := []formField{{"id_token", result.IDToken}}
	if result.Data.State != "" {
		fields = append(fields, formField{"state", result.Data.State})
	}
	a.respondToRelier(w, r, result.Data, fields)
}

// handleNormalize applies email normalization to each line of the request
// body. Unparsable lines come back empty, keeping input and output aligned.
func (a *App) handleNormalize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNormalizeBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	var out []string
	if text := strings.TrimSuffix(string(body), "\n"); text != "" {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSuffix(line, "\r")
			if addr, err := broker.ParseEmailAddress(line); err == nil {
				out = append(out, addr.String())
			} else {
				out = append(out, "")
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_, _ = w.Write([]byte(strings.Join(out, "\n")))
}

// AuthRequest encapsulates parsed parameters for /auth.
type AuthRequest struct {
	Email        broker.EmailAddress
	ClientID     string
	RedirectURI  string
	Nonce        string
	State        string
	ResponseMode string
}

func (a *App) parseAuthRequest(r *http.Request) (AuthRequest, error) {
	if err := r.ParseForm(); err != nil {
		return AuthRequest{}, errors.New("malformed request parameters")
	}
	get := r.Form.Get
	var req AuthRequest

	email, err := broker.ParseEmailAddress(get("login_hint"))
	if err != nil {
		return AuthRequest{}, fmt.Errorf("invalid login_hint: %v", err)
	}
	req.Email = email

	req.RedirectURI = get("redirect_uri")
	origin, err := redirectOrigin(req.RedirectURI)
	if err != nil {
		return AuthRequest{}, fmt.Errorf("invalid redirect_uri: %v", err)
	}
	req.ClientID = get("client_id")
	if req.ClientID == "" {
		return AuthRequest{}, errors.New("client_id required")
	}
	if req.ClientID != origin {
		return AuthRequest{}, errors.New("client_id must be the origin of redirect_uri")
	}

	if rt := get("response_type"); rt != "id_token" {
		return AuthRequest{}, errors.New("unsupported response_type, only id_token is available")
	}
	if req.Nonce = get("nonce"); req.Nonce == "" {
		return AuthRequest{}, errors.New("nonce required")
	}

	switch mode := get("response_mode"); mode {
	case "":
		req.ResponseMode = "form_post"
	case "form_post", "fragment":
		req.ResponseMode = mode
	default:
		return AuthRequest{}, fmt.Errorf("unsupported response_mode %q", mode)
	}

	req.State = get("state")
	return req, nil
}

// redirectOrigin derives the origin of a relying party redirect URI, with
// default ports stripped. The redirect URI itself may carry a path.
func redirectOrigin(rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
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
	host := strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return u.Scheme + "://" + host, nil
}

// renderError reports a failed login. Cancellations go back to the relying
// party as access_denied when the redirect target is known; everything else
// becomes a JSON error. Provider input details stay in the logs, the
// response only carries a generic failure.
func (a *App) renderError(w http.ResponseWriter, r *http.Request, data broker.SessionData, err error) {
	kind := broker.KindOf(err)

	attrs := []any{"error", err, "request_id", RequestIDFromContext(r.Context())}
	var brokerErr *broker.Error
	if errors.As(err, &brokerErr) && brokerErr.Origin != "" {
		attrs = append(attrs, "origin", brokerErr.Origin)
	}
	if kind == broker.KindProviderCancelled {
		a.Logger.Info("authentication cancelled", attrs...)
	} else {
		a.Logger.Error("authentication failed", attrs...)
	}

	switch kind {
	case broker.KindProviderCancelled:
		if data.RedirectURI != "" {
			fields := []formField{{"error", "access_denied"}}
			if data.State != "" {
				fields = append(fields, formField{"state", data.State})
			}
			a.respondToRelier(w, r, data, fields)
			return
		}
		writeJSONError(w, http.StatusBadRequest, "access_denied", "the login attempt was cancelled")
	case broker.KindProvider:
		writeJSONError(w, http.StatusBadGateway, "provider_error", "could not reach the identity provider")
	case broker.KindProviderInput:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "authentication failed")
	default:
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
