package platform

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"udapgw/udap"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// APIError is a non-2xx management API reply.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports a 404 from a management API, raw or SDK.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound
	}
	var coded interface{ Status() int }
	return errors.As(err, &coded) && coded.Status() == http.StatusNotFound
}

// ManagementAPI is a JSON client for the management endpoints whose
// payloads the vendor SDK models cannot carry. Authentication lives in
// the supplied http.Client.
type ManagementAPI struct {
	base   string
	client *http.Client
}

// NewManagementAPI wraps client for the API rooted at base.
func NewManagementAPI(base string, client *http.Client) *ManagementAPI {
	if client == nil {
		client = http.DefaultClient
	}
	return &ManagementAPI{base: strings.TrimRight(base, "/"), client: client}
}

type tokenSourceFunc func(ctx context.Context, cfg Config, key crypto.Signer) oauth2.TokenSource

// readPlatformKey loads the management client's signing key.
func readPlatformKey(cfg Config) (string, crypto.Signer, error) {
	if cfg.ClientID == "" || cfg.PrivateKeyFile == "" {
		return "", nil, errors.New("platform: client_id and private_key_file are required")
	}
	pemData, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return "", nil, fmt.Errorf("read platform private key: %w", err)
	}
	key, err := udap.ParsePrivateKeyPEM(pemData)
	if err != nil {
		return "", nil, fmt.Errorf("parse platform private key: %w", err)
	}
	return string(pemData), key, nil
}

func defaultHTTPClient(httpClient *http.Client) *http.Client {
	if httpClient == nil {
		return &http.Client{Timeout: 10 * time.Second}
	}
	return httpClient
}

func newManagementAPI(ctx context.Context, cfg Config, httpClient *http.Client, newSource tokenSourceFunc) (*ManagementAPI, error) {
	_, key, err := readPlatformKey(cfg)
	if err != nil {
		return nil, err
	}
	httpClient = defaultHTTPClient(httpClient)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	authed := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, newSource(ctx, cfg, key)))
	authed.Timeout = httpClient.Timeout
	return NewManagementAPI(cfg.apiBase(), authed), nil
}

// assertionSource obtains management tokens with the client credentials
// grant, authenticating with a freshly signed private_key_jwt each time.
type assertionSource struct {
	ctx      context.Context
	clientID string
	tokenURL string
	scopes   []string
	key      crypto.Signer
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	now := time.Now()
	method := jwt.GetSigningMethod(udap.DefaultAlgorithm(s.key))
	assertion, err := jwt.NewWithClaims(method, jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign management assertion: %w", err)
	}
	params := url.Values{}
	params.Set("client_assertion_type", clientAssertionType)
	params.Set("client_assertion", assertion)
	cc := clientcredentials.Config{
		ClientID:       s.clientID,
		TokenURL:       s.tokenURL,
		Scopes:         s.scopes,
		EndpointParams: params,
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	return cc.Token(s.ctx)
}

var oktaScopes = []string{
	"okta.apps.manage", "okta.apps.read",
	"okta.idps.manage", "okta.idps.read",
	"okta.authorizationServers.manage", "okta.authorizationServers.read",
}

func oktaTokenSource(ctx context.Context, cfg Config, key crypto.Signer) oauth2.TokenSource {
	return &assertionSource{
		ctx:      ctx,
		clientID: cfg.ClientID,
		tokenURL: cfg.apiBase() + "/oauth2/v1/token",
		key:      key,
		scopes:   []string{"okta.idps.manage", "okta.idps.read"},
	}
}

func (a *ManagementAPI) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
