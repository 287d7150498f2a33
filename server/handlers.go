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
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"udapgw/client"
	"udapgw/federation"
	"udapgw/platform"
	"udapgw/registration"
	"udapgw/store"
	"udapgw/udap"
)

// Role selects which endpoint set a request is served with.
type Role string

const (
	RoleDataHolder Role = "dataholder"
	RoleIDP        Role = "idp"
)

const (
	maxFormBody = 1 << 20

	genericErrorMessage      = "An unknown error has occurred."
	registerErrorMessage     = "An unknown error occurred while processing your dynamic client registration request."
	tokenErrorMessage        = "An unknown error has occurred while validating your client credentials."
	authorizeErrorMessage    = "An unknown error has occurred while contacting the authorization server."
	tieredErrorMessage       = "An unexpected error occurred while performing tiered-oauth."
	tieredUpstreamMessage    = "Unable to perform tiered-oauth with the upstream IDP. Please check internal logs for further detail."
	metadataSANMessage       = "The SAN of the certificate used to host this server does not match the base FHIR URL."
	metadataErrorMessage     = "An unknown error has occurred while generating the UDAP metadata content."
	defaultLogoCheckTimeout  = 5 * time.Second
	signedMetadataLifetime   = time.Hour
	registrationOperationErr = "unknown"
)

// Dependencies are the external collaborators an App is built from.
type Dependencies struct {
	Anchor     *udap.TrustAnchor
	Credential *udap.Credential
	Adapter    platform.Adapter
	Store      store.Store
	// HTTPClient is used for community traffic: upstream discovery,
	// registration, token exchange and logo checks.
	HTTPClient *http.Client
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Validator    *udap.Validator
	Credential   *udap.Credential
	Adapter      platform.Adapter
	Store        store.Store
	Registration *registration.Engine
	Federation   *federation.Engine
	Tiered       *federation.TokenClient
	Client       *client.Client
	Proxy        *Proxy
	Metrics      *Metrics
	Now          func() time.Time
}

// LoadDependencies reads credentials from disk and connects the configured
// platform and store.
func LoadDependencies(ctx context.Context, cfg Config, logger *slog.Logger) (Dependencies, error) {
	anchor, cred, err := LoadTrust(cfg.UDAP)
	if err != nil {
		return Dependencies{}, err
	}

	httpClient := &http.Client{Timeout: cfg.Server.OutboundTimeout}
	adapter, err := platform.New(ctx, cfg.Platform, &http.Client{Timeout: cfg.Platform.Timeout})
	if err != nil {
		return Dependencies{}, fmt.Errorf("init platform: %w", err)
	}
	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return Dependencies{}, fmt.Errorf("init store: %w", err)
	}
	logger.Info("dependencies loaded",
		"platform", adapter.Name(),
		"storage", cfg.Storage.Backend,
		"server_san", cfg.UDAP.ServerSAN,
		"anchors", len(anchor.Certificates),
	)
	return Dependencies{Anchor: anchor, Credential: cred, Adapter: adapter, Store: st, HTTPClient: httpClient}, nil
}

// LoadTrust reads the community anchor and this server's credential.
func LoadTrust(cfg UDAPConfig) (*udap.TrustAnchor, *udap.Credential, error) {
	anchor, err := udap.LoadTrustAnchor(cfg.CommunityCert)
	if err != nil {
		return nil, nil, err
	}
	var cred *udap.Credential
	if cfg.ServerKey != "" {
		cred, err = udap.LoadPKCS12(cfg.ServerKey, cfg.ServerKeyPassword)
	} else {
		cred, err = udap.LoadPEMCredential(cfg.ServerCertPEM, cfg.ServerKeyPEM)
	}
	if err != nil {
		return nil, nil, err
	}
	return anchor, cred, nil
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	deps, err := LoadDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger, deps), nil
}

// New assembles an App from already built dependencies.
func New(cfg Config, logger *slog.Logger, deps Dependencies) *App {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultOutboundTimeout}
	}
	validator := udap.NewValidator(deps.Anchor)
	if cfg.UDAP.MetadataMaxLifetime > 0 {
		validator.MetadataLifetime = cfg.UDAP.MetadataMaxLifetime
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Validator:  validator,
		Credential: deps.Credential,
		Adapter:    deps.Adapter,
		Store:      deps.Store,
		Proxy:      NewProxy(cfg.Server.OutboundTimeout, logger),
		Metrics:    NewMetrics(),
		Now:        time.Now,
	}

	var caps registration.Capabilities
	if cfg.FHIR.BaseURL != "" {
		caps = registration.NewRemoteCapabilities(cfg.FHIR.BaseURL, httpClient, cfg.FHIR.CapabilitiesTTL)
	} else {
		md := registration.StaticCapabilities(a.metadata())
		caps = &md
	}

	a.Client = client.New(client.Config{
		SAN:        cfg.UDAP.ServerSAN,
		Credential: deps.Credential,
		Algorithm:  cfg.UDAP.SigningAlgorithm,
		Validator:  validator,
		HTTPClient: httpClient,
	})
	a.Registration = &registration.Engine{
		Validator: validator,
		Policy: &registration.Policy{
			Capabilities: caps,
			Logos:        &registration.HTTPLogoChecker{Client: httpClient, Timeout: defaultLogoCheckTimeout},
		},
		Adapter:  deps.Adapter,
		Store:    deps.Store,
		Audience: cfg.UDAP.RegistrationEndpoint,
		Logger:   logger.With("component", "tdcr"),
	}
	a.Federation = &federation.Engine{
		Client:  a.Client,
		Adapter: deps.Adapter,
		Store:   deps.Store,
		Registration: federation.Registration{
			ClientName:  cfg.TieredOAuth.ClientName,
			Contacts:    cfg.TieredOAuth.Contacts,
			RedirectURI: cfg.TieredOAuth.RedirectURI,
			LogoURI:     cfg.TieredOAuth.LogoURI,
			Scope:       cfg.TieredOAuth.Scope,
		},
		ClaimWait: cfg.TieredOAuth.ClaimWait,
		Logger:    logger.With("component", "federation"),
	}
	a.Tiered = &federation.TokenClient{
		Client:  a.Client,
		Adapter: deps.Adapter,
		Store:   deps.Store,
		Logger:  logger.With("component", "tiered_token"),
	}
	return a
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

func (a *App) role(r Role) RoleConfig {
	if r == RoleIDP {
		return a.Config.Roles.IDP
	}
	return a.Config.Roles.DataHolder
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleAuthorize(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		idpID := ""
		// Tiered OAuth is never chained through the IDP role.
		if role == RoleDataHolder && federation.Requested(q) {
			res, err := a.Federation.Resolve(r.Context(), q.Get("idp"))
			result := "cached"
			if res != nil && res.Registered {
				result = "registered"
			}
			a.Metrics.federation(result, err)
			if err != nil {
				a.writeError(w, r, err, authorizeErrorMessage)
				return
			}
			idpID = res.IdpID
		}

		headers, query := a.Adapter.AuthorizeProxyDetails(r.Header, q, idpID)
		target := a.role(role).BackendAuthorizeURL + "?" + query.Encode()
		resp, err := a.Proxy.Do(r.Context(), http.MethodGet, target, headers, nil)
		if err != nil {
			a.Metrics.proxy("authorize", role, "error")
			a.writeError(w, r, err, authorizeErrorMessage)
			return
		}
		a.Metrics.proxy("authorize", role, strconv.Itoa(resp.StatusCode))
		writeProxyResponse(w, resp)
	}
}

func (a *App) handleToken(role Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, form, err := readForm(r)
		if err != nil {
			a.writeError(w, r, udap.InvalidRequest("Malformed token request"), tokenErrorMessage)
			return
		}
		if form.Get("udap") != "" {
			cfg := a.role(role)
			if _, err := a.Validator.VerifyClientAssertion(form.Get("client_assertion"), form.Get("client_id"), cfg.TokenEndpoint); err != nil {
				a.Logger.Warn("token.assertion_rejected", "role", role, "client_id", form.Get("client_id"), "error", err)
				a.Metrics.proxy("token", role, "rejected")
				a.writeError(w, r, err, tokenErrorMessage)
				return
			}
		}

		headers := a.Adapter.TokenProxyHeaders(r.Header)
		resp, err := a.Proxy.Do(r.Context(), http.MethodPost, a.role(role).BackendTokenURL, headers, body)
		if err != nil {
			a.Metrics.proxy("token", role, "error")
			a.writeError(w, r, err, tokenErrorMessage)
			return
		}
		a.Metrics.proxy("token", role, strconv.Itoa(resp.StatusCode))
		writeProxyResponse(w, resp)
	}
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFormBody)).Decode(&req); err != nil {
		a.Metrics.registration(registrationOperationErr, err)
		a.writeError(w, r, udap.InvalidSoftwareStatement("Malformed registration request"), registerErrorMessage)
		return
	}
	if req.SoftwareStatement == "" {
		err := udap.InvalidSoftwareStatement("Missing software_statement")
		a.Metrics.registration(registrationOperationErr, err)
		a.writeError(w, r, err, registerErrorMessage)
		return
	}
	res, err := a.Registration.Register(r.Context(), req)
	if err != nil {
		a.Metrics.registration(registrationOperationErr, err)
		a.writeError(w, r, err, registerErrorMessage)
		return
	}
	a.Metrics.registration(res.Operation, nil)
	writeJSON(w, res.Status, res.Body)
}

func (a *App) handleTieredToken(w http.ResponseWriter, r *http.Request) {
	idpID := chi.URLParam(r, "idpId")
	_, form, err := readForm(r)
	if err != nil {
		a.writeError(w, r, udap.InvalidRequest("Malformed token request"), tieredErrorMessage)
		return
	}
	if id, secret, ok := r.BasicAuth(); ok && form.Get("client_id") == "" {
		form.Set("client_id", id)
		form.Set("client_secret", secret)
	}

	resp, err := a.Tiered.Exchange(r.Context(), idpID, form)
	if err != nil {
		if errors.Is(err, federation.ErrUpstreamExchange) {
			a.writeError(w, r, err, tieredUpstreamMessage)
			return
		}
		a.writeError(w, r, err, tieredErrorMessage)
		return
	}
	h := w.Header()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	} else {
		h.Set("Content-Type", "application/json")
	}
	setNoStore(h)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func readForm(r *http.Request) ([]byte, url.Values, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBody))
	if err != nil {
		return nil, nil, err
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, err
	}
	return body, form, nil
}

// writeError renders coded failures as 400 OAuth errors and everything
// else as a 500 carrying only fallback.
func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if coded, ok := udap.AsError(err); ok {
		writeOAuthError(w, http.StatusBadRequest, coded.Code, coded.Message)
		return
	}
	a.Logger.Error("request failed",
		"request_id", RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	writeOAuthError(w, http.StatusInternalServerError, "server_error", fallback)
}

func writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	setNoStore(w.Header())
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
