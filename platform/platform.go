// Package platform adapts the gateway to a backend identity platform.
// Exactly one Adapter is chosen at startup from configuration.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v3"

	"udapgw/store"
	"udapgw/udap"
)

const (
	TypeOkta  = "okta"
	TypeAuth0 = "auth0"
)

// Config describes the backend platform and its management API access.
type Config struct {
	Type string `yaml:"type"`
	// OrgDomain is the platform tenant host, e.g. example.okta.com.
	OrgDomain string `yaml:"org_domain"`
	// APIBaseURL overrides https://{org_domain} for management calls.
	APIBaseURL     string `yaml:"api_base_url"`
	ClientID       string `yaml:"client_id"`
	PrivateKeyFile string `yaml:"private_key_file"`
	// AuthorizationServerID is the Okta authorization server that receives
	// per-client access policies.
	AuthorizationServerID string `yaml:"authorization_server_id"`
	// BaseDomain is the public host of this gateway.
	BaseDomain string `yaml:"base_domain"`
	// CustomDomainBackend and CustomDomainAPIKey are the Auth0 custom
	// domain proxy settings.
	CustomDomainBackend string        `yaml:"custom_domain_backend"`
	CustomDomainAPIKey  string        `yaml:"custom_domain_api_key"`
	Timeout             time.Duration `yaml:"timeout"`
}

func (c Config) apiBase() string {
	if c.APIBaseURL != "" {
		return c.APIBaseURL
	}
	return "https://" + c.OrgDomain
}

// ClientRegistration is the backend application derived from a validated
// software statement. A fresh value is built for every call.
type ClientRegistration struct {
	Name          string
	GrantTypes    []string
	ResponseTypes []string
	RedirectURIs  []string
	Scope         string
	LogoURI       string
	AuthMethod    string
	JWKS          jose.JSONWebKeySet
}

// RegistrationFromStatement builds the registration for stmt.
func RegistrationFromStatement(stmt *udap.SoftwareStatement, jwks jose.JSONWebKeySet) ClientRegistration {
	return ClientRegistration{
		Name:          stmt.ClientName,
		GrantTypes:    append([]string(nil), stmt.GrantTypes...),
		ResponseTypes: append([]string(nil), stmt.ResponseTypes...),
		RedirectURIs:  append([]string(nil), stmt.RedirectURIs...),
		Scope:         stmt.Scope,
		LogoURI:       stmt.LogoURI,
		AuthMethod:    stmt.TokenEndpointAuthMethod,
		JWKS:          jwks,
	}
}

// Family is the grant family of the registration.
func (r ClientRegistration) Family() string { return udap.GrantFamily(r.GrantTypes) }

// IdpDetail describes an upstream IDP to register with the backend.
type IdpDetail struct {
	IdpURI       string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	JWKSURL      string
	ClientID     string
	Issuer       string
	Scope        string
}

// IdpRegistration is the backend's record of a federated IDP.
type IdpRegistration struct {
	IdpID       string
	Credentials store.Credentials
}

// Adapter is implemented once per backend identity platform.
type Adapter interface {
	Name() string
	CreateClientApp(ctx context.Context, reg ClientRegistration) (string, error)
	UpdateClientApp(ctx context.Context, clientID string, reg ClientRegistration) (string, error)
	DeleteClientApp(ctx context.Context, clientID string) error
	// ClientAppFamily reports the grant family of an existing application.
	ClientAppFamily(ctx context.Context, clientID string) (string, error)
	// GetIdpIDByURI returns "" when no IDP is registered for uri.
	GetIdpIDByURI(ctx context.Context, uri string) (string, error)
	CreateIdp(ctx context.Context, detail IdpDetail) (*IdpRegistration, error)
	TokenProxyHeaders(h http.Header) http.Header
	AuthorizeProxyDetails(h http.Header, q url.Values, idpID string) (http.Header, url.Values)
	// ValidateTieredOAuthRequest authenticates a token request made by the
	// backend to the tiered token client and returns the upstream client id.
	ValidateTieredOAuthRequest(mapping *store.IdpMapping, form url.Values) (string, error)
}

// New builds the adapter named by cfg.Type.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (Adapter, error) {
	switch cfg.Type {
	case TypeOkta:
		api, err := newManagementAPI(ctx, cfg, httpClient, oktaTokenSource)
		if err != nil {
			return nil, err
		}
		sdk, err := newOktaClient(cfg, httpClient)
		if err != nil {
			return nil, err
		}
		return NewOkta(cfg, sdk, api), nil
	case TypeAuth0:
		m, err := newAuth0Management(ctx, cfg, httpClient)
		if err != nil {
			return nil, err
		}
		return NewAuth0(cfg, m), nil
	}
	return nil, fmt.Errorf("unknown platform type %q", cfg.Type)
}

// TieredTokenURL is the gateway endpoint the backend calls to redeem
// upstream codes for idpID.
func TieredTokenURL(baseDomain, idpID string) string {
	return "https://" + baseDomain + "/" + idpID + "/tiered_client/token"
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
