// Package client talks to other members of the trust community as a UDAP
// client: discovery, trusted dynamic registration and token exchange.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"udapgw/udap"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 5 * time.Minute
	maxResponseBody     = 1 << 20
)

// Config configures a UDAP client.
type Config struct {
	// SAN is this server's identity, used as iss/sub of software statements.
	SAN        string
	Credential *udap.Credential
	Algorithm  string
	Validator  *udap.Validator
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client acts on behalf of the gateway toward upstream servers.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates a client with defaults.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{cfg: cfg, client: client}
}

// Discovery is a trust-validated UDAP metadata document.
type Discovery struct {
	Metadata udap.Metadata
	Signed   *udap.SignedMetadata
}

// DiscoverMetadata fetches {baseURL}/.well-known/udap and validates its
// signed_metadata against the community trust anchor.
func (c *Client) DiscoverMetadata(ctx context.Context, baseURL string) (*Discovery, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/.well-known/udap"
	var md udap.Metadata
	if err := c.getJSON(ctx, endpoint, &md); err != nil {
		return nil, udap.InvalidIdp("Unable to retrieve the UDAP metadata file from the IDP.", err)
	}
	if md.SignedMetadata == "" {
		return nil, udap.InvalidIdp("The UDAP metadata file did not contain signed metadata.", nil)
	}
	if c.cfg.Validator == nil {
		return nil, errors.New("client: validator required for discovery")
	}
	signed, err := c.cfg.Validator.VerifySignedMetadata(md.SignedMetadata, baseURL)
	if err != nil {
		return nil, err
	}
	if signed.RegistrationEndpoint != "" {
		md.RegistrationEndpoint = signed.RegistrationEndpoint
	}
	return &Discovery{Metadata: md, Signed: signed}, nil
}

// OIDCConfiguration carries the discovery fields federation needs.
type OIDCConfiguration struct {
	Issuer           string `json:"issuer"`
	UserInfoEndpoint string `json:"userinfo_endpoint"`
	JWKSURI          string `json:"jwks_uri"`
}

// DiscoverOIDC reads {baseURL}/.well-known/openid-configuration. The
// advertised issuer must equal baseURL.
func (c *Client) DiscoverOIDC(ctx context.Context, baseURL string) (*OIDCConfiguration, error) {
	ctx = oidc.ClientContext(ctx, c.client)
	provider, err := oidc.NewProvider(ctx, strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	var cfg OIDCConfiguration
	if err := provider.Claims(&cfg); err != nil {
		return nil, fmt.Errorf("oidc discovery claims: %w", err)
	}
	return &cfg, nil
}

// RegistrationRequest is the metadata this server registers upstream with.
type RegistrationRequest struct {
	ClientName    string
	Contacts      []string
	GrantTypes    []string
	ResponseTypes []string
	RedirectURIs  []string
	LogoURI       string
	Scope         string
}

// RegistrationResponse is the upstream's answer to a registration.
type RegistrationResponse struct {
	ClientID string         `json:"client_id"`
	Raw      map[string]any `json:"-"`
}

// Register performs trusted dynamic client registration at endpoint.
func (c *Client) Register(ctx context.Context, endpoint string, req RegistrationRequest) (*RegistrationResponse, error) {
	now := c.cfg.Now()
	claims := jwt.MapClaims{
		"iss":                        c.cfg.SAN,
		"sub":                        c.cfg.SAN,
		"aud":                        endpoint,
		"iat":                        now.Unix(),
		"exp":                        now.Add(assertionLifetime).Unix(),
		"jti":                        uuid.NewString(),
		"client_name":                req.ClientName,
		"grant_types":                req.GrantTypes,
		"response_types":             req.ResponseTypes,
		"redirect_uris":              req.RedirectURIs,
		"scope":                      req.Scope,
		"token_endpoint_auth_method": "private_key_jwt",
	}
	if len(req.Contacts) > 0 {
		claims["contacts"] = req.Contacts
	}
	if req.LogoURI != "" {
		claims["logo_uri"] = req.LogoURI
	}
	statement, err := udap.GenerateSignedJWT(claims, c.cfg.Credential, c.cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("sign software statement: %w", err)
	}
	payload, err := json.Marshal(map[string]string{
		"software_statement": statement,
		"udap":               "1",
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registration failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	out := &RegistrationResponse{}
	if err := json.Unmarshal(body, &out.Raw); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	out.ClientID, _ = out.Raw["client_id"].(string)
	if out.ClientID == "" {
		return nil, errors.New("registration response has no client_id")
	}
	return out, nil
}

// TokenResponse is an upstream token endpoint reply, kept verbatim.
type TokenResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ExchangeCode redeems an authorization code at tokenEndpoint using a
// signed private_key_jwt client assertion.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint, clientID, code, redirectURI string) (*TokenResponse, error) {
	now := c.cfg.Now()
	assertion, err := udap.GenerateSignedJWT(jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": tokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": uuid.NewString(),
	}, c.cfg.Credential, c.cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("sign client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", clientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("udap", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return &TokenResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(dst)
}
