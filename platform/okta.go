package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/okta/okta-sdk-golang/v5/okta"

	"udapgw/store"
	"udapgw/udap"
)

// Okta drives the Okta management API. Applications and authorization
// server policies go through the SDK; IDP creation uses raw JSON because
// the SDK's IdentityProvider model drops the private_key_jwt client
// credential and the policy settings the tiered flow needs.
type Okta struct {
	cfg Config
	sdk *okta.APIClient
	api *ManagementAPI
}

// NewOkta builds the Okta adapter.
func NewOkta(cfg Config, sdk *okta.APIClient, api *ManagementAPI) *Okta {
	return &Okta{cfg: cfg, sdk: sdk, api: api}
}

func newOktaClient(cfg Config, httpClient *http.Client) (*okta.APIClient, error) {
	pemKey, _, err := readPlatformKey(cfg)
	if err != nil {
		return nil, err
	}
	oc, err := okta.NewConfiguration(
		okta.WithOrgUrl(cfg.apiBase()),
		okta.WithAuthorizationMode("PrivateKey"),
		okta.WithClientId(cfg.ClientID),
		okta.WithScopes(oktaScopes),
		okta.WithPrivateKey(pemKey),
		okta.WithHttpClientPtr(defaultHTTPClient(httpClient)),
	)
	if err != nil {
		return nil, fmt.Errorf("okta sdk configuration: %w", err)
	}
	return okta.NewAPIClient(oc), nil
}

func (o *Okta) Name() string { return TypeOkta }

// oktaError keeps the status of a failed SDK call visible to IsNotFound.
func oktaError(op string, resp *okta.APIResponse, err error) error {
	apiErr := &APIError{Method: op, Body: err.Error()}
	if resp != nil && resp.Response != nil {
		apiErr.Status = resp.StatusCode
		if resp.Request != nil {
			apiErr.Path = resp.Request.URL.Path
		}
	}
	return apiErr
}

// reshape converts between wire-compatible types.
func reshape(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func oktaApplicationType(family string) string {
	if family == udap.FamilyAuthorizationCode {
		return "web"
	}
	return "service"
}

func newOktaApp(reg ClientRegistration) (*okta.OpenIdConnectApplication, error) {
	app := okta.NewOpenIdConnectApplicationWithDefaults()
	app.SetName("oidc_client")
	app.SetSignOnMode("OPENID_CONNECT")

	oauthClient := okta.NewApplicationCredentialsOAuthClientWithDefaults()
	oauthClient.SetTokenEndpointAuthMethod("private_key_jwt")
	creds := okta.NewOAuthApplicationCredentialsWithDefaults()
	creds.SetOauthClient(*oauthClient)
	app.SetCredentials(*creds)

	settings := okta.NewOpenIdConnectApplicationSettingsWithDefaults()
	settings.SetImplicitAssignment(true)
	app.SetSettings(*settings)
	if err := applyOktaRegistration(app, reg); err != nil {
		return nil, err
	}
	return app, nil
}

func applyOktaRegistration(app *okta.OpenIdConnectApplication, reg ClientRegistration) error {
	var keys okta.OpenIdConnectApplicationSettingsClientKeys
	if err := reshape(reg.JWKS, &keys); err != nil {
		return fmt.Errorf("encode okta jwks: %w", err)
	}
	app.SetLabel(reg.Name)
	settings := app.GetSettings()
	oc := settings.GetOauthClient()
	oc.SetRedirectUris(reg.RedirectURIs)
	oc.SetResponseTypes(reg.ResponseTypes)
	oc.SetGrantTypes(reg.GrantTypes)
	oc.SetApplicationType(oktaApplicationType(reg.Family()))
	oc.SetConsentMethod("TRUSTED")
	if reg.LogoURI != "" {
		oc.SetLogoUri(reg.LogoURI)
	}
	oc.SetJwks(keys)
	settings.SetOauthClient(oc)
	app.SetSettings(settings)
	return nil
}

func oktaAppType(app *okta.OpenIdConnectApplication) string {
	settings := app.GetSettings()
	oc := settings.GetOauthClient()
	return oc.GetApplicationType()
}

func oktaClientID(app *okta.OpenIdConnectApplication) string {
	creds := app.GetCredentials()
	oc := creds.GetOauthClient()
	if id := oc.GetClientId(); id != "" {
		return id
	}
	return app.GetId()
}

func oidcApp(inner *okta.ListApplications200ResponseInner) (*okta.OpenIdConnectApplication, error) {
	if inner == nil || inner.OpenIdConnectApplication == nil {
		return nil, errors.New("okta: application is not an OpenID Connect app")
	}
	return inner.OpenIdConnectApplication, nil
}

func newOktaPolicy(clientID string) okta.AuthorizationServerPolicy {
	clients := okta.NewClientPolicyConditionWithDefaults()
	clients.SetInclude([]string{clientID})
	conditions := okta.NewAuthorizationServerPolicyConditionsWithDefaults()
	conditions.SetClients(*clients)

	p := okta.NewAuthorizationServerPolicyWithDefaults()
	p.SetType("OAUTH_AUTHORIZATION_POLICY")
	p.SetName("Authorization Policy-" + clientID)
	p.SetDescription("Ensures that the application can only request the scopes they were approved for at registration time.")
	p.SetPriority(1)
	p.SetSystem(false)
	p.SetConditions(*conditions)
	return *p
}

type oktaInclude struct {
	Include []string `json:"include"`
}

// oktaRuleConditions is the subset of rule conditions this gateway sets.
// Only the two registration grant families are configured.
type oktaRuleConditions struct {
	People struct {
		Groups oktaInclude `json:"groups"`
	} `json:"people"`
	GrantTypes oktaInclude `json:"grantTypes"`
	Scopes     oktaInclude `json:"scopes"`
}

func applyOktaRule(r *okta.AuthorizationServerPolicyRule, reg ClientRegistration) error {
	var want oktaRuleConditions
	want.People.Groups.Include = []string{"EVERYONE"}
	want.GrantTypes.Include = []string{reg.Family()}
	want.Scopes.Include = strings.Fields(reg.Scope)
	var conditions okta.AuthorizationServerPolicyRuleConditions
	if err := reshape(want, &conditions); err != nil {
		return fmt.Errorf("encode okta rule conditions: %w", err)
	}
	r.SetConditions(conditions)
	return nil
}

func newOktaPolicyRule(reg ClientRegistration) (okta.AuthorizationServerPolicyRule, error) {
	r := okta.NewAuthorizationServerPolicyRuleWithDefaults()
	r.SetType("RESOURCE_ACCESS")
	r.SetName("Allow registered scopes")
	r.SetPriority(1)
	r.SetSystem(false)
	if err := applyOktaRule(r, reg); err != nil {
		return okta.AuthorizationServerPolicyRule{}, err
	}
	return *r, nil
}

func (o *Okta) CreateClientApp(ctx context.Context, reg ClientRegistration) (string, error) {
	app, err := newOktaApp(reg)
	if err != nil {
		return "", err
	}
	created, resp, err := o.sdk.ApplicationAPI.CreateApplication(ctx).
		Application(okta.ListApplications200ResponseInner{OpenIdConnectApplication: app}).
		Activate(true).
		Execute()
	if err != nil {
		return "", fmt.Errorf("create okta app: %w", oktaError("CreateApplication", resp, err))
	}
	createdApp, err := oidcApp(created)
	if err != nil {
		return "", fmt.Errorf("create okta app: %w", err)
	}
	clientID := oktaClientID(createdApp)
	if clientID == "" {
		return "", errors.New("create okta app: response has no client id")
	}
	if err := o.createPolicy(ctx, clientID, reg); err != nil {
		return clientID, err
	}
	return clientID, nil
}

func (o *Okta) UpdateClientApp(ctx context.Context, clientID string, reg ClientRegistration) (string, error) {
	app, err := o.getApp(ctx, clientID)
	if err != nil {
		return "", err
	}
	if oktaAppType(app) != oktaApplicationType(reg.Family()) {
		return "", udap.InvalidRegistrationEdit(udap.CrossFamilyEditMessage)
	}
	if err := applyOktaRegistration(app, reg); err != nil {
		return "", err
	}
	replaced, resp, err := o.sdk.ApplicationAPI.ReplaceApplication(ctx, clientID).
		Application(okta.ListApplications200ResponseInner{OpenIdConnectApplication: app}).
		Execute()
	if err != nil {
		return "", fmt.Errorf("replace okta app: %w", oktaError("ReplaceApplication", resp, err))
	}

	policyID, rule, err := o.findPolicy(ctx, clientID)
	if err != nil {
		return "", err
	}
	switch {
	case policyID == "":
		err = o.createPolicy(ctx, clientID, reg)
	case rule == nil:
		err = o.createRule(ctx, policyID, reg)
	default:
		err = o.replaceRule(ctx, policyID, rule, reg)
	}
	if err != nil {
		return "", err
	}
	if updated, err := oidcApp(replaced); err == nil {
		if id := oktaClientID(updated); id != "" {
			return id, nil
		}
	}
	return clientID, nil
}

func (o *Okta) DeleteClientApp(ctx context.Context, clientID string) error {
	policyID, _, err := o.findPolicy(ctx, clientID)
	if err != nil {
		return err
	}
	if policyID != "" {
		resp, err := o.sdk.AuthorizationServerPoliciesAPI.DeleteAuthorizationServerPolicy(ctx, o.cfg.AuthorizationServerID, policyID).Execute()
		if err != nil {
			return fmt.Errorf("delete okta policy: %w", oktaError("DeleteAuthorizationServerPolicy", resp, err))
		}
	}
	if resp, err := o.sdk.ApplicationAPI.DeactivateApplication(ctx, clientID).Execute(); err != nil {
		return fmt.Errorf("deactivate okta app: %w", oktaError("DeactivateApplication", resp, err))
	}
	if resp, err := o.sdk.ApplicationAPI.DeleteApplication(ctx, clientID).Execute(); err != nil {
		return fmt.Errorf("delete okta app: %w", oktaError("DeleteApplication", resp, err))
	}
	return nil
}

func (o *Okta) ClientAppFamily(ctx context.Context, clientID string) (string, error) {
	app, err := o.getApp(ctx, clientID)
	if err != nil {
		return "", err
	}
	if oktaAppType(app) == "web" {
		return udap.FamilyAuthorizationCode, nil
	}
	return udap.FamilyClientCredentials, nil
}

func (o *Okta) getApp(ctx context.Context, clientID string) (*okta.OpenIdConnectApplication, error) {
	inner, resp, err := o.sdk.ApplicationAPI.GetApplication(ctx, clientID).Execute()
	if err != nil {
		return nil, fmt.Errorf("get okta app: %w", oktaError("GetApplication", resp, err))
	}
	return oidcApp(inner)
}

func (o *Okta) createPolicy(ctx context.Context, clientID string, reg ClientRegistration) error {
	policy, resp, err := o.sdk.AuthorizationServerPoliciesAPI.CreateAuthorizationServerPolicy(ctx, o.cfg.AuthorizationServerID).
		Policy(newOktaPolicy(clientID)).
		Execute()
	if err != nil {
		return fmt.Errorf("create okta policy: %w", oktaError("CreateAuthorizationServerPolicy", resp, err))
	}
	return o.createRule(ctx, policy.GetId(), reg)
}

func (o *Okta) createRule(ctx context.Context, policyID string, reg ClientRegistration) error {
	rule, err := newOktaPolicyRule(reg)
	if err != nil {
		return err
	}
	_, resp, err := o.sdk.AuthorizationServerRulesAPI.CreateAuthorizationServerPolicyRule(ctx, o.cfg.AuthorizationServerID, policyID).
		PolicyRule(rule).
		Execute()
	if err != nil {
		return fmt.Errorf("create okta policy rule: %w", oktaError("CreateAuthorizationServerPolicyRule", resp, err))
	}
	return nil
}

func (o *Okta) replaceRule(ctx context.Context, policyID string, rule *okta.AuthorizationServerPolicyRule, reg ClientRegistration) error {
	if err := applyOktaRule(rule, reg); err != nil {
		return err
	}
	_, resp, err := o.sdk.AuthorizationServerRulesAPI.ReplaceAuthorizationServerPolicyRule(ctx, o.cfg.AuthorizationServerID, policyID, rule.GetId()).
		PolicyRule(*rule).
		Execute()
	if err != nil {
		return fmt.Errorf("replace okta policy rule: %w", oktaError("ReplaceAuthorizationServerPolicyRule", resp, err))
	}
	return nil
}

// findPolicy returns the policy scoped to clientID and its first rule.
func (o *Okta) findPolicy(ctx context.Context, clientID string) (string, *okta.AuthorizationServerPolicyRule, error) {
	policies, resp, err := o.sdk.AuthorizationServerPoliciesAPI.ListAuthorizationServerPolicies(ctx, o.cfg.AuthorizationServerID).Execute()
	if err != nil {
		return "", nil, fmt.Errorf("list okta policies: %w", oktaError("ListAuthorizationServerPolicies", resp, err))
	}
	for _, p := range policies {
		conditions := p.GetConditions()
		clients := conditions.GetClients()
		for _, included := range clients.GetInclude() {
			if included != clientID {
				continue
			}
			rules, resp, err := o.sdk.AuthorizationServerRulesAPI.ListAuthorizationServerPolicyRules(ctx, o.cfg.AuthorizationServerID, p.GetId()).Execute()
			if err != nil {
				return "", nil, fmt.Errorf("list okta policy rules: %w", oktaError("ListAuthorizationServerPolicyRules", resp, err))
			}
			if len(rules) == 0 {
				return p.GetId(), nil, nil
			}
			return p.GetId(), &rules[0], nil
		}
	}
	return "", nil, nil
}

func (o *Okta) GetIdpIDByURI(ctx context.Context, uri string) (string, error) {
	idps, resp, err := o.sdk.IdentityProviderAPI.ListIdentityProviders(ctx).Q(uri).Execute()
	if err != nil {
		return "", fmt.Errorf("list okta idps: %w", oktaError("ListIdentityProviders", resp, err))
	}
	for _, idp := range idps {
		if idp.GetName() == uri {
			return idp.GetId(), nil
		}
	}
	return "", nil
}

func newOktaIdp(detail IdpDetail) map[string]any {
	binding := func(b, u string) map[string]any { return map[string]any{"binding": b, "url": u} }
	return map[string]any{
		"type": "OIDC",
		"name": detail.IdpURI,
		"protocol": map[string]any{
			"type": "OIDC",
			"endpoints": map[string]any{
				"acs":           map[string]any{"binding": "HTTP-POST", "type": "INSTANCE"},
				"authorization": binding("HTTP-REDIRECT", detail.AuthorizeURL),
				"token":         binding("HTTP-POST", detail.TokenURL),
				"userInfo":      binding("HTTP-REDIRECT", detail.UserInfoURL),
				"jwks":          binding("HTTP-REDIRECT", detail.JWKSURL),
			},
			"scopes": strings.Fields(detail.Scope),
			"credentials": map[string]any{
				"client": map[string]any{
					"token_endpoint_auth_method": "private_key_jwt",
					"client_id":                  detail.ClientID,
				},
				"signing": map[string]any{"algorithm": "RS256"},
			},
			"issuer": map[string]any{"url": detail.Issuer},
		},
		"policy": map[string]any{
			"accountLink": map[string]any{"action": "AUTO", "filter": nil},
			"provisioning": map[string]any{
				"action": "AUTO",
				"conditions": map[string]any{
					"deprovisioned": map[string]any{"action": "NONE"},
					"suspended":     map[string]any{"action": "NONE"},
				},
				"groups": map[string]any{"action": "NONE"},
			},
			"maxClockSkew": 120000,
			"subject": map[string]any{
				"userNameTemplate": map[string]any{"template": "idpuser.email"},
				"matchType":        "USERNAME",
			},
		},
	}
}

// CreateIdp registers the upstream, then points its token endpoint back at
// this gateway. Okta authenticates to that endpoint with a key it
// generated for the IDP, which becomes the internal credential.
func (o *Okta) CreateIdp(ctx context.Context, detail IdpDetail) (*IdpRegistration, error) {
	var created map[string]any
	if err := o.api.do(ctx, http.MethodPost, "/api/v1/idps", newOktaIdp(detail), &created); err != nil {
		return nil, fmt.Errorf("create okta idp: %w", err)
	}
	idpID, _ := created["id"].(string)
	if idpID == "" {
		return nil, errors.New("create okta idp: response has no id")
	}
	protocol, _ := created["protocol"].(map[string]any)
	kid := nestedString(protocol, "credentials", "signing", "kid")
	if kid == "" {
		return nil, errors.New("create okta idp: response has no signing key id")
	}

	var key jose.JSONWebKey
	keyPath := "/api/v1/idps/" + url.PathEscape(idpID) + "/credentials/keys/" + url.PathEscape(kid)
	if err := o.api.do(ctx, http.MethodGet, keyPath, nil, &key); err != nil {
		return nil, fmt.Errorf("get okta idp signing key: %w", err)
	}

	delete(created, "id")
	delete(created, "created")
	delete(created, "lastUpdated")
	delete(created, "_links")
	if endpoints, ok := protocol["endpoints"].(map[string]any); ok {
		if token, ok := endpoints["token"].(map[string]any); ok {
			token["url"] = TieredTokenURL(o.cfg.BaseDomain, idpID)
		}
	}
	if err := o.api.do(ctx, http.MethodPut, "/api/v1/idps/"+url.PathEscape(idpID), created, nil); err != nil {
		return nil, fmt.Errorf("update okta idp token endpoint: %w", err)
	}
	public := key.Public()
	return &IdpRegistration{IdpID: idpID, Credentials: store.Credentials{PublicKey: &public}}, nil
}

func (o *Okta) TokenProxyHeaders(h http.Header) http.Header {
	out := cloneHeader(h)
	out.Set("Host", o.cfg.BaseDomain)
	out.Set("Content-Type", "application/x-www-form-urlencoded")
	return out
}

func (o *Okta) AuthorizeProxyDetails(h http.Header, q url.Values, idpID string) (http.Header, url.Values) {
	headers := cloneHeader(h)
	headers.Set("Host", o.cfg.BaseDomain)
	query := cloneQuery(q)
	if idpID != "" {
		query.Set("idp", idpID)
		query.Set("prompt", "login")
	}
	return headers, query
}

// ValidateTieredOAuthRequest verifies Okta's client assertion with the
// IDP signing key saved at federation time.
func (o *Okta) ValidateTieredOAuthRequest(mapping *store.IdpMapping, form url.Values) (string, error) {
	if mapping == nil || mapping.InternalCredentials.PublicKey == nil {
		return "", udap.InvalidClientAuthentication("No tiered-oauth credentials are configured for this IDP.")
	}
	key := mapping.InternalCredentials.PublicKey.Key
	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()).
		ParseWithClaims(form.Get("client_assertion"), claims, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil {
		return "", &udap.Error{Code: udap.CodeInvalidClientAuthentication, Message: "Invalid client authentication from the identity platform.", Cause: err}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", udap.InvalidClientAuthentication("Invalid client authentication from the identity platform.")
	}
	return sub, nil
}

func nestedString(m map[string]any, path ...string) string {
	cur := m
	for i, p := range path {
		if i == len(path)-1 {
			s, _ := cur[p].(string)
			return s
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return ""
		}
		cur = next
	}
	return ""
}
