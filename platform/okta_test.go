package platform

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/auth0/go-auth0/management"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/okta/okta-sdk-golang/v5/okta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udapgw/store"
	"udapgw/udap"
)

type recordedCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
}

// fakeStatus is a route reply with a non-200 status.
type fakeStatus struct {
	code int
	body any
}

// fakeAPI records calls and replies from a route table keyed by
// "METHOD path". A route value of type func(*http.Request) any is called
// per request.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []recordedCall
	routes map[string]any
	srv    *httptest.Server
}

func newFakeAPI(t *testing.T, routes map[string]any) *fakeAPI {
	t.Helper()
	f := &fakeAPI{routes: routes}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		call := recordedCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &call.Body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		reply, ok := f.routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if fn, ok := reply.(func(*http.Request) any); ok {
			reply = fn(r)
		}
		w.Header().Set("Content-Type", "application/json")
		if st, ok := reply.(fakeStatus); ok {
			w.WriteHeader(st.code)
			reply = st.body
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) api() *ManagementAPI {
	return NewManagementAPI(f.srv.URL, f.srv.Client())
}

func (f *fakeAPI) okta(t *testing.T) *okta.APIClient {
	t.Helper()
	cfg, err := okta.NewConfiguration(
		okta.WithOrgUrl(f.srv.URL),
		okta.WithToken("test-token"),
		okta.WithTestingDisableHttpsCheck(true),
		okta.WithCache(false),
		okta.WithHttpClientPtr(f.srv.Client()),
	)
	require.NoError(t, err)
	return okta.NewAPIClient(cfg)
}

func (f *fakeAPI) auth0(t *testing.T) *management.Management {
	t.Helper()
	m, err := management.New(f.srv.URL, management.WithInsecure(), management.WithClient(f.srv.Client()))
	require.NoError(t, err)
	return m
}

func (f *fakeAPI) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method+" "+c.Path)
	}
	return out
}

func (f *fakeAPI) call(method, path string) *recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.calls {
		if f.calls[i].Method == method && f.calls[i].Path == path {
			return &f.calls[i]
		}
	}
	return nil
}

func testJWKS(t *testing.T) (jose.JSONWebKeySet, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}, key
}

// oktaAppReply is an OIDC application as the Okta API returns it.
func oktaAppReply(id, appType string) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       "oidc_client",
		"label":      "Test Client",
		"signOnMode": "OPENID_CONNECT",
		"status":     "ACTIVE",
		"credentials": map[string]any{
			"oauthClient": map[string]any{"client_id": id, "token_endpoint_auth_method": "private_key_jwt"},
		},
		"settings": map[string]any{
			"oauthClient": map[string]any{
				"application_type": appType,
				"grant_types":      []string{"client_credentials"},
				"response_types":   []string{"token"},
				"redirect_uris":    []string{},
			},
		},
	}
}

func oktaPolicyReply(id, clientID string) map[string]any {
	return map[string]any{
		"id":         id,
		"type":       "OAUTH_AUTHORIZATION_POLICY",
		"name":       "Authorization Policy-" + clientID,
		"priority":   1,
		"conditions": map[string]any{"clients": map[string]any{"include": []string{clientID}}},
	}
}

func oktaRuleReply(id string) map[string]any {
	return map[string]any{
		"id":       id,
		"type":     "RESOURCE_ACCESS",
		"name":     "Allow registered scopes",
		"priority": 1,
		"conditions": map[string]any{
			"people":     map[string]any{"groups": map[string]any{"include": []string{"EVERYONE"}}},
			"grantTypes": map[string]any{"include": []string{"client_credentials"}},
			"scopes":     map[string]any{"include": []string{"system/Patient.read"}},
		},
	}
}

var oktaCfg = Config{Type: TypeOkta, AuthorizationServerID: "aus1", BaseDomain: "gw.example.org"}

func TestOktaCreateClientAppCreatesPolicy(t *testing.T) {
	f := newFakeAPI(t, map[string]any{
		"POST /api/v1/apps": oktaAppReply("0oa-app", "service"),
		"POST /api/v1/authorizationServers/aus1/policies":            oktaPolicyReply("pol1", "0oa-app"),
		"POST /api/v1/authorizationServers/aus1/policies/pol1/rules": oktaRuleReply("rule1"),
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())
	jwks, _ := testJWKS(t)

	id, err := o.CreateClientApp(t.Context(), ClientRegistration{
		Name:       "Test Client",
		GrantTypes: []string{"client_credentials"},
		Scope:      "system/Patient.read system/Observation.read",
		JWKS:       jwks,
	})
	require.NoError(t, err)
	assert.Equal(t, "0oa-app", id)
	assert.Equal(t, []string{
		"POST /api/v1/apps",
		"POST /api/v1/authorizationServers/aus1/policies",
		"POST /api/v1/authorizationServers/aus1/policies/pol1/rules",
	}, f.paths())

	app := f.call(http.MethodPost, "/api/v1/apps")
	assert.Equal(t, "true", app.Query.Get("activate"))
	assert.Equal(t, "OPENID_CONNECT", app.Body["signOnMode"])
	settings := app.Body["settings"].(map[string]any)["oauthClient"].(map[string]any)
	assert.Equal(t, "service", settings["application_type"])
	assert.NotNil(t, settings["jwks"])

	policy := f.call(http.MethodPost, "/api/v1/authorizationServers/aus1/policies")
	clients := policy.Body["conditions"].(map[string]any)["clients"].(map[string]any)
	assert.Equal(t, []any{"0oa-app"}, clients["include"])

	rule := f.call(http.MethodPost, "/api/v1/authorizationServers/aus1/policies/pol1/rules")
	conds := rule.Body["conditions"].(map[string]any)
	assert.Equal(t, []any{"client_credentials"}, conds["grantTypes"].(map[string]any)["include"])
	assert.Equal(t, []any{"system/Patient.read", "system/Observation.read"}, conds["scopes"].(map[string]any)["include"])
}

func TestOktaCreateClientAppReturnsIDWhenPolicyFails(t *testing.T) {
	f := newFakeAPI(t, map[string]any{
		"POST /api/v1/apps": oktaAppReply("0oa-app", "service"),
		"POST /api/v1/authorizationServers/aus1/policies": fakeStatus{http.StatusBadRequest, map[string]any{
			"errorCode": "E0000001", "errorSummary": "Api validation failed: policy",
		}},
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())
	jwks, _ := testJWKS(t)

	id, err := o.CreateClientApp(t.Context(), ClientRegistration{GrantTypes: []string{"client_credentials"}, JWKS: jwks})
	require.Error(t, err)
	assert.Equal(t, "0oa-app", id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestOktaUpdateReplacesAppAndRule(t *testing.T) {
	f := newFakeAPI(t, map[string]any{
		"GET /api/v1/apps/0oa-app":                                        oktaAppReply("0oa-app", "service"),
		"PUT /api/v1/apps/0oa-app":                                        oktaAppReply("0oa-app", "service"),
		"GET /api/v1/authorizationServers/aus1/policies":                  []map[string]any{oktaPolicyReply("pol1", "0oa-app")},
		"GET /api/v1/authorizationServers/aus1/policies/pol1/rules":       []map[string]any{oktaRuleReply("rule1")},
		"PUT /api/v1/authorizationServers/aus1/policies/pol1/rules/rule1": oktaRuleReply("rule1"),
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())
	jwks, _ := testJWKS(t)

	id, err := o.UpdateClientApp(t.Context(), "0oa-app", ClientRegistration{
		Name:       "Renamed",
		GrantTypes: []string{"client_credentials"},
		Scope:      "system/Observation.read",
		JWKS:       jwks,
	})
	require.NoError(t, err)
	assert.Equal(t, "0oa-app", id)
	assert.Equal(t, []string{
		"GET /api/v1/apps/0oa-app",
		"PUT /api/v1/apps/0oa-app",
		"GET /api/v1/authorizationServers/aus1/policies",
		"GET /api/v1/authorizationServers/aus1/policies/pol1/rules",
		"PUT /api/v1/authorizationServers/aus1/policies/pol1/rules/rule1",
	}, f.paths())

	assert.Equal(t, "Renamed", f.call(http.MethodPut, "/api/v1/apps/0oa-app").Body["label"])
	rule := f.call(http.MethodPut, "/api/v1/authorizationServers/aus1/policies/pol1/rules/rule1")
	scopes := rule.Body["conditions"].(map[string]any)["scopes"].(map[string]any)
	assert.Equal(t, []any{"system/Observation.read"}, scopes["include"])
}

func TestOktaUpdateRejectsCrossFamilyEdit(t *testing.T) {
	f := newFakeAPI(t, map[string]any{
		"GET /api/v1/apps/0oa-app": oktaAppReply("0oa-app", "service"),
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())

	_, err := o.UpdateClientApp(t.Context(), "0oa-app", ClientRegistration{GrantTypes: []string{"authorization_code"}})
	require.True(t, udap.HasCode(err, udap.CodeInvalidRegistrationEdit), "got %v", err)
	assert.Equal(t, []string{"GET /api/v1/apps/0oa-app"}, f.paths())

	family, err := o.ClientAppFamily(t.Context(), "0oa-app")
	require.NoError(t, err)
	assert.Equal(t, udap.FamilyClientCredentials, family)
}

func TestOktaMissingAppIsNotFound(t *testing.T) {
	f := newFakeAPI(t, map[string]any{
		"GET /api/v1/apps/0oa-gone": fakeStatus{http.StatusNotFound, map[string]any{
			"errorCode": "E0000007", "errorSummary": "Not found: Resource not found: 0oa-gone (AppInstance)",
		}},
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())

	_, err := o.ClientAppFamily(t.Context(), "0oa-gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestOktaDeleteRemovesPolicyThenApp(t *testing.T) {
	other := oktaPolicyReply("other", "x")
	f := newFakeAPI(t, map[string]any{
		"GET /api/v1/authorizationServers/aus1/policies":            []map[string]any{other, oktaPolicyReply("pol1", "0oa-app")},
		"GET /api/v1/authorizationServers/aus1/policies/pol1/rules": []map[string]any{oktaRuleReply("rule1")},
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())

	require.NoError(t, o.DeleteClientApp(t.Context(), "0oa-app"))
	assert.Equal(t, []string{
		"GET /api/v1/authorizationServers/aus1/policies",
		"GET /api/v1/authorizationServers/aus1/policies/pol1/rules",
		"DELETE /api/v1/authorizationServers/aus1/policies/pol1",
		"POST /api/v1/apps/0oa-app/lifecycle/deactivate",
		"DELETE /api/v1/apps/0oa-app",
	}, f.paths())
}

func TestOktaCreateIdpRewritesTokenEndpoint(t *testing.T) {
	jwks, _ := testJWKS(t)
	f := newFakeAPI(t, map[string]any{
		"POST /api/v1/idps": map[string]any{
			"id":      "0oa-idp",
			"created": "2024-01-01",
			"protocol": map[string]any{
				"endpoints":   map[string]any{"token": map[string]any{"url": "https://idp.example.org/token"}},
				"credentials": map[string]any{"signing": map[string]any{"kid": "kid-1"}},
			},
		},
		"GET /api/v1/idps/0oa-idp/credentials/keys/kid-1": jwks.Keys[0],
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())

	reg, err := o.CreateIdp(t.Context(), IdpDetail{
		IdpURI:       "https://idp.example.org",
		AuthorizeURL: "https://idp.example.org/authorize",
		TokenURL:     "https://idp.example.org/token",
		ClientID:     "upstream-1",
		Scope:        "openid udap",
	})
	require.NoError(t, err)
	assert.Equal(t, "0oa-idp", reg.IdpID)
	require.NotNil(t, reg.Credentials.PublicKey)
	assert.True(t, reg.Credentials.PublicKey.IsPublic())

	create := f.call(http.MethodPost, "/api/v1/idps")
	assert.Equal(t, "https://idp.example.org", create.Body["name"])
	client := create.Body["protocol"].(map[string]any)["credentials"].(map[string]any)["client"].(map[string]any)
	assert.Equal(t, "private_key_jwt", client["token_endpoint_auth_method"])

	put := f.call(http.MethodPut, "/api/v1/idps/0oa-idp")
	require.NotNil(t, put)
	_, hasID := put.Body["id"]
	assert.False(t, hasID)
	token := put.Body["protocol"].(map[string]any)["endpoints"].(map[string]any)["token"].(map[string]any)
	assert.Equal(t, "https://gw.example.org/0oa-idp/tiered_client/token", token["url"])
}

func TestOktaGetIdpIDByURIMatchesName(t *testing.T) {
	f := newFakeAPI(t, map[string]any{
		"GET /api/v1/idps": []map[string]any{
			{"id": "a", "type": "OIDC", "status": "ACTIVE", "name": "https://idp.example.org/other"},
			{"id": "b", "type": "OIDC", "status": "ACTIVE", "name": "https://idp.example.org"},
		},
	})
	o := NewOkta(oktaCfg, f.okta(t), f.api())

	id, err := o.GetIdpIDByURI(t.Context(), "https://idp.example.org")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	assert.Equal(t, "https://idp.example.org", f.call(http.MethodGet, "/api/v1/idps").Query.Get("q"))

	id, err = o.GetIdpIDByURI(t.Context(), "https://unknown.example.org")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestOktaProxyDetails(t *testing.T) {
	o := NewOkta(oktaCfg, nil, nil)
	in := http.Header{"X-Forwarded-For": {"10.0.0.1"}}
	q := url.Values{"scope": {"openid udap"}, "idp": {"https://idp.example.org"}}

	h, out := o.AuthorizeProxyDetails(in, q, "0oa-idp")
	assert.Equal(t, "gw.example.org", h.Get("Host"))
	assert.Equal(t, "0oa-idp", out.Get("idp"))
	assert.Equal(t, "login", out.Get("prompt"))
	assert.Equal(t, "https://idp.example.org", q.Get("idp"), "input must not be mutated")
	assert.Empty(t, in.Get("Host"))

	_, passthrough := o.AuthorizeProxyDetails(in, url.Values{"scope": {"openid"}}, "")
	assert.Empty(t, passthrough.Get("prompt"))

	th := o.TokenProxyHeaders(in)
	assert.Equal(t, "application/x-www-form-urlencoded", th.Get("Content-Type"))
}

func TestOktaValidateTieredOAuthRequest(t *testing.T) {
	jwks, key := testJWKS(t)
	public := jwks.Keys[0]
	mapping := &store.IdpMapping{IdpID: "0oa-idp", InternalCredentials: store.Credentials{PublicKey: &public}}
	o := NewOkta(oktaCfg, nil, nil)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "upstream-1",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	clientID, err := o.ValidateTieredOAuthRequest(mapping, url.Values{"client_assertion": {signed}})
	require.NoError(t, err)
	assert.Equal(t, "upstream-1", clientID)

	_, otherKey := testJWKS(t)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "upstream-1",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(otherKey)
	require.NoError(t, err)
	_, err = o.ValidateTieredOAuthRequest(mapping, url.Values{"client_assertion": {forged}})
	assert.True(t, udap.HasCode(err, udap.CodeInvalidClientAuthentication))
}
