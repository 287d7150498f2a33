package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the gateway endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.Metrics.Handler())

	r.With(OpenCORSMiddleware).Get("/.well-known/udap", a.handleUDAPMetadata)
	r.With(OpenCORSMiddleware).Options("/.well-known/udap", a.handleUDAPMetadata)

	r.Group(func(r chi.Router) {
		r.Use(NoStoreMiddleware)

		r.Get("/authorize", a.handleAuthorize(RoleDataHolder))
		r.Post("/token", a.handleToken(RoleDataHolder))
		if a.Config.Roles.IDP.Enabled() {
			r.Get("/idp/authorize", a.handleAuthorize(RoleIDP))
			r.Post("/idp/token", a.handleToken(RoleIDP))
		}

		r.Post("/register", a.handleRegister)
		r.Post("/{idpId}/tiered_client/token", a.handleTieredToken)
	})

	return r
}
