package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 31536000

// Routes constructs the HTTP router with all broker endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware())
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	r.Get("/", a.handleIndex)
	r.Get("/healthz", a.handleHealthz)

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/keys.json", a.handleKeys)

	r.Get("/auth", a.handleAuth)
	r.Post("/auth", a.handleAuth)
	r.Get("/callback", a.handleCallback)
	r.Post("/callback", a.handleCallback)

	r.Post("/normalize", a.handleNormalize)

	return r
}
