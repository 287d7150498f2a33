package platform

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/auth0/go-auth0"
	"github.com/auth0/go-auth0/management"

	"udapgw/store"
	"udapgw/udap"
)

// Auth0 drives the Auth0 management API.
type Auth0 struct {
	cfg Config
	m   *management.Management
	// secret generates tiered-oauth connection secrets.
	secret func() (string, error)
}

// NewAuth0 builds the Auth0 adapter.
func NewAuth0(cfg Config, m *management.Management) *Auth0 {
	return &Auth0{cfg: cfg, m: m, secret: randomSecret}
}

// newAuth0Management authenticates with private_key_jwt as the management
// client.
func newAuth0Management(ctx context.Context, cfg Config, httpClient *http.Client) (*management.Management, error) {
	pemKey, key, err := readPlatformKey(cfg)
	if err != nil {
		return nil, err
	}
	m, err := management.New(cfg.apiBase(),
		management.WithClientCredentialsPrivateKeyJwt(ctx, cfg.ClientID, pemKey, udap.DefaultAlgorithm(key)),
		management.WithClient(defaultHTTPClient(httpClient)),
	)
	if err != nil {
		return nil, fmt.Errorf("auth0 management client: %w", err)
	}
	return m, nil
}

func (a *Auth0) Name() string { return TypeAuth0 }

func auth0AppType(family string) string {
	if family == udap.FamilyAuthorizationCode {
		return "regular_web"
	}
	return "non_interactive"
}

func credentialPEM(reg ClientRegistration) (string, error) {
	if len(reg.JWKS.Keys) == 0 {
		return "", errors.New("auth0: registration has no public key")
	}
	der, err := x509.MarshalPKIXPublicKey(reg.JWKS.Keys[0].Key)
	if err != nil {
		return "", fmt.Errorf("auth0: encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func publicKeyCredential(reg ClientRegistration, pemKey string) management.Credential {
	return management.Credential{
		Name:           auth0.String(reg.Name),
		CredentialType: auth0.String("public_key"),
		PEM:            auth0.String(pemKey),
	}
}

func newAuth0Client(reg ClientRegistration, pemKey string) *management.Client {
	return &management.Client{
		Name:             auth0.String(reg.Name),
		AppType:          auth0.String(auth0AppType(reg.Family())),
		Callbacks:        stringsOrEmpty(reg.RedirectURIs),
		GrantTypes:       stringsOrEmpty(reg.GrantTypes),
		LogoURI:          optionalString(reg.LogoURI),
		OIDCConformant:   auth0.Bool(true),
		IsFirstParty:     auth0.Bool(false),
		JWTConfiguration: &management.ClientJWTConfiguration{Algorithm: auth0.String("RS256")},
		ClientAuthenticationMethods: &management.ClientAuthenticationMethods{
			PrivateKeyJWT: &management.PrivateKeyJWT{
				Credentials: &[]management.Credential{publicKeyCredential(reg, pemKey)},
			},
		},
	}
}

func stringsOrEmpty(v []string) *[]string {
	out := append([]string{}, v...)
	return &out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return auth0.String(s)
}

func (a *Auth0) CreateClientApp(ctx context.Context, reg ClientRegistration) (string, error) {
	pemKey, err := credentialPEM(reg)
	if err != nil {
		return "", err
	}
	c := newAuth0Client(reg, pemKey)
	if err := a.m.Client.Create(ctx, c); err != nil {
		return "", fmt.Errorf("create auth0 client: %w", err)
	}
	if c.GetClientID() == "" {
		return "", errors.New("create auth0 client: response has no client_id")
	}
	return c.GetClientID(), nil
}

// UpdateClientApp adds the statement's key as a new credential and makes
// it the only one the client accepts.
func (a *Auth0) UpdateClientApp(ctx context.Context, clientID string, reg ClientRegistration) (string, error) {
	existing, err := a.getClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if existing.GetAppType() != auth0AppType(reg.Family()) {
		return "", udap.InvalidRegistrationEdit(udap.CrossFamilyEditMessage)
	}
	pemKey, err := credentialPEM(reg)
	if err != nil {
		return "", err
	}
	cred := publicKeyCredential(reg, pemKey)
	if err := a.m.Client.CreateCredential(ctx, clientID, &cred); err != nil {
		return "", fmt.Errorf("create auth0 credential: %w", err)
	}
	patch := &management.Client{
		Name:           auth0.String(reg.Name),
		Callbacks:      stringsOrEmpty(reg.RedirectURIs),
		GrantTypes:     stringsOrEmpty(reg.GrantTypes),
		LogoURI:        optionalString(reg.LogoURI),
		OIDCConformant: auth0.Bool(true),
		ClientAuthenticationMethods: &management.ClientAuthenticationMethods{
			PrivateKeyJWT: &management.PrivateKeyJWT{
				Credentials: &[]management.Credential{{ID: cred.ID}},
			},
		},
	}
	if err := a.m.Client.Update(ctx, clientID, patch); err != nil {
		return "", fmt.Errorf("update auth0 client: %w", err)
	}
	if id := patch.GetClientID(); id != "" {
		return id, nil
	}
	return clientID, nil
}

func (a *Auth0) DeleteClientApp(ctx context.Context, clientID string) error {
	if err := a.m.Client.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("delete auth0 client: %w", err)
	}
	return nil
}

func (a *Auth0) ClientAppFamily(ctx context.Context, clientID string) (string, error) {
	c, err := a.getClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if c.GetAppType() == "regular_web" {
		return udap.FamilyAuthorizationCode, nil
	}
	return udap.FamilyClientCredentials, nil
}

func (a *Auth0) getClient(ctx context.Context, clientID string) (*management.Client, error) {
	c, err := a.m.Client.Read(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get auth0 client: %w", err)
	}
	return c, nil
}

const connectionsPerPage = 100

// GetIdpIDByURI walks every page of OIDC connections.
func (a *Auth0) GetIdpIDByURI(ctx context.Context, uri string) (string, error) {
	for page := 0; ; page++ {
		list, err := a.m.Connection.List(ctx,
			management.Parameter("strategy", management.ConnectionStrategyOIDC),
			management.Page(page),
			management.PerPage(connectionsPerPage),
			management.IncludeTotals(true),
		)
		if err != nil {
			return "", fmt.Errorf("list auth0 connections: %w", err)
		}
		for _, c := range list.Connections {
			if c.GetDisplayName() == uri {
				return c.GetID(), nil
			}
		}
		if !list.HasNext() || len(list.Connections) == 0 {
			return "", nil
		}
	}
}

// connectionName derives a stable, Auth0-legal connection name for uri.
func connectionName(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return "udap-" + hex.EncodeToString(sum[:8])
}

// CreateIdp registers an OIDC connection. Auth0 authenticates to the
// tiered token client with a client secret generated here.
func (a *Auth0) CreateIdp(ctx context.Context, detail IdpDetail) (*IdpRegistration, error) {
	secret, err := a.secret()
	if err != nil {
		return nil, fmt.Errorf("generate connection secret: %w", err)
	}
	opts := &management.ConnectionOptionsOIDC{
		Type:                  auth0.String("back_channel"),
		ClientID:              auth0.String(detail.ClientID),
		ClientSecret:          auth0.String(secret),
		AuthorizationEndpoint: auth0.String(detail.AuthorizeURL),
		TokenEndpoint:         auth0.String(detail.TokenURL),
		UserInfoEndpoint:      auth0.String(detail.UserInfoURL),
		JWKSURI:               auth0.String(detail.JWKSURL),
		Issuer:                auth0.String(detail.Issuer),
		Scope:                 auth0.String(detail.Scope),
	}
	conn := &management.Connection{
		Name:        auth0.String(connectionName(detail.IdpURI)),
		DisplayName: auth0.String(detail.IdpURI),
		Strategy:    auth0.String(management.ConnectionStrategyOIDC),
		Options:     opts,
	}
	if err := a.m.Connection.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("create auth0 connection: %w", err)
	}
	idpID := conn.GetID()
	if idpID == "" {
		return nil, errors.New("create auth0 connection: response has no id")
	}
	// PATCH replaces the whole options object.
	opts.TokenEndpoint = auth0.String(TieredTokenURL(a.cfg.BaseDomain, idpID))
	if err := a.m.Connection.Update(ctx, idpID, &management.Connection{Options: opts}); err != nil {
		return nil, fmt.Errorf("update auth0 connection token endpoint: %w", err)
	}
	return &IdpRegistration{
		IdpID:       idpID,
		Credentials: store.Credentials{ClientID: detail.ClientID, ClientSecret: secret},
	}, nil
}

func (a *Auth0) TokenProxyHeaders(h http.Header) http.Header {
	out := cloneHeader(h)
	out.Set("cname-api-key", a.cfg.CustomDomainAPIKey)
	out.Set("Content-Type", "application/x-www-form-urlencoded")
	out.Set("Host", a.cfg.CustomDomainBackend)
	return out
}

func (a *Auth0) AuthorizeProxyDetails(h http.Header, q url.Values, idpID string) (http.Header, url.Values) {
	headers := cloneHeader(h)
	headers.Set("cname-api-key", a.cfg.CustomDomainAPIKey)
	headers.Set("Host", a.cfg.CustomDomainBackend)
	query := cloneQuery(q)
	if idpID != "" {
		query.Set("connection", idpID)
		query.Set("prompt", "login")
	}
	return headers, query
}

// ValidateTieredOAuthRequest compares the posted client credentials with
// the pair stored for the connection.
func (a *Auth0) ValidateTieredOAuthRequest(mapping *store.IdpMapping, form url.Values) (string, error) {
	if mapping == nil || mapping.InternalCredentials.ClientSecret == "" {
		return "", udap.InvalidClientAuthentication("No tiered-oauth credentials are configured for this IDP.")
	}
	creds := mapping.InternalCredentials
	id, secret := form.Get("client_id"), form.Get("client_secret")
	idOK := subtle.ConstantTimeCompare([]byte(id), []byte(creds.ClientID)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(secret), []byte(creds.ClientSecret)) == 1
	if !idOK || !secretOK {
		return "", udap.InvalidClientAuthentication("Invalid client authentication from the identity platform.")
	}
	return strings.TrimSpace(id), nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
