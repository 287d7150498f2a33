package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"udapgw/udap"
	"udapgw/udap/udaptest"
)

type upstream struct {
	srv       *httptest.Server
	ca        *udaptest.CA
	cred      *udap.Credential
	noSigned  bool
	lastForm  map[string]string
	validator *udap.Validator
}

func newUpstream(t *testing.T, ca *udaptest.CA) *upstream {
	t.Helper()
	u := &upstream{ca: ca, validator: udap.NewValidator(ca.Anchor(t))}
	mux := http.NewServeMux()
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	u.cred = ca.Issue(t, u.srv.URL)

	mux.HandleFunc("/.well-known/udap", func(w http.ResponseWriter, r *http.Request) {
		md := udap.Metadata{
			UDAPVersionsSupported: []string{"1"},
			UDAPProfilesSupported: []string{"udap_dcr", "udap_to"},
			RegistrationEndpoint:  u.srv.URL + "/register",
		}
		if !u.noSigned {
			md.SignedMetadata = udaptest.Sign(t, u.cred, udaptest.MetadataClaims(u.srv.URL, time.Now()))
		}
		_ = json.NewEncoder(w).Encode(md)
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 u.srv.URL,
			"authorization_endpoint": u.srv.URL + "/authorize",
			"token_endpoint":         u.srv.URL + "/token",
			"userinfo_endpoint":      u.srv.URL + "/userinfo",
			"jwks_uri":               u.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stmt, err := u.validator.VerifySoftwareStatement(body["software_statement"], u.srv.URL+"/register")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"client_id": "upstream-" + stmt.ClientName})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		u.lastForm = map[string]string{}
		for k := range r.PostForm {
			u.lastForm[k] = r.PostForm.Get(k)
		}
		if _, err := u.validator.VerifyClientAssertion(r.PostForm.Get("client_assertion"), r.PostForm.Get("client_id"), u.srv.URL+"/token"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer"}`))
	})
	return u
}

func newTestClient(t *testing.T, ca *udaptest.CA) *Client {
	t.Helper()
	const san = "https://gw.example.org"
	return New(Config{
		SAN:        san,
		Credential: ca.Issue(t, san),
		Validator:  udap.NewValidator(ca.Anchor(t)),
	})
}

func TestDiscoverMetadata(t *testing.T) {
	ca := udaptest.NewCA(t)
	up := newUpstream(t, ca)
	c := newTestClient(t, ca)

	disc, err := c.DiscoverMetadata(t.Context(), up.srv.URL)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if disc.Signed.TokenEndpoint != up.srv.URL+"/token" {
		t.Fatalf("unexpected token endpoint %q", disc.Signed.TokenEndpoint)
	}
	if disc.Metadata.RegistrationEndpoint != up.srv.URL+"/register" {
		t.Fatalf("unexpected registration endpoint %q", disc.Metadata.RegistrationEndpoint)
	}
}

func TestDiscoverMetadataRequiresSignedMetadata(t *testing.T) {
	ca := udaptest.NewCA(t)
	up := newUpstream(t, ca)
	up.noSigned = true
	c := newTestClient(t, ca)

	_, err := c.DiscoverMetadata(t.Context(), up.srv.URL)
	coded, ok := udap.AsError(err)
	if !ok || coded.Code != udap.CodeInvalidIdp || coded.Message != "The UDAP metadata file did not contain signed metadata." {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDiscoverMetadataRejectsForeignCommunity(t *testing.T) {
	up := newUpstream(t, udaptest.NewCA(t))
	c := newTestClient(t, udaptest.NewCA(t))

	if _, err := c.DiscoverMetadata(t.Context(), up.srv.URL); !udap.HasCode(err, udap.CodeInvalidIdp) {
		t.Fatalf("expected invalid_idp, got %v", err)
	}
}

func TestDiscoverOIDC(t *testing.T) {
	ca := udaptest.NewCA(t)
	up := newUpstream(t, ca)
	c := newTestClient(t, ca)

	cfg, err := c.DiscoverOIDC(t.Context(), up.srv.URL)
	if err != nil {
		t.Fatalf("discover oidc: %v", err)
	}
	if cfg.UserInfoEndpoint != up.srv.URL+"/userinfo" || cfg.JWKSURI != up.srv.URL+"/jwks" || cfg.Issuer != up.srv.URL {
		t.Fatalf("unexpected configuration: %+v", cfg)
	}
}

func TestRegisterAndExchange(t *testing.T) {
	ca := udaptest.NewCA(t)
	up := newUpstream(t, ca)
	c := newTestClient(t, ca)

	reg, err := c.Register(t.Context(), up.srv.URL+"/register", RegistrationRequest{
		ClientName:    "gw",
		GrantTypes:    []string{"authorization_code"},
		ResponseTypes: []string{"code"},
		RedirectURIs:  []string{"https://gw.example.org/callback"},
		Scope:         "openid udap",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ClientID != "upstream-gw" {
		t.Fatalf("client id = %q", reg.ClientID)
	}

	resp, err := c.ExchangeCode(t.Context(), up.srv.URL+"/token", reg.ClientID, "code-1", "https://gw.example.org/callback")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, resp.Body)
	}
	if up.lastForm["code"] != "code-1" || up.lastForm["grant_type"] != "authorization_code" || up.lastForm["udap"] != "1" {
		t.Fatalf("unexpected form: %v", up.lastForm)
	}
}
