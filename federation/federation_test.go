package federation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udapgw/client"
	"udapgw/platform/platformtest"
	"udapgw/store"
	"udapgw/udap"
	"udapgw/udap/udaptest"
)

const gatewaySAN = "https://gateway.example.org"

type upstreamIdp struct {
	srv          *httptest.Server
	noSigned     atomic.Bool
	failRegister atomic.Bool
	registered   atomic.Int32
	discovered   atomic.Int32

	mu        sync.Mutex
	lastStmt  *udap.SoftwareStatement
	tokenForm url.Values
}

func newUpstreamIdp(t *testing.T, ca *udaptest.CA) *upstreamIdp {
	t.Helper()
	u := &upstreamIdp{}
	validator := udap.NewValidator(ca.Anchor(t))
	mux := http.NewServeMux()
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	cred := ca.Issue(t, u.srv.URL)

	mux.HandleFunc("/.well-known/udap", func(w http.ResponseWriter, r *http.Request) {
		u.discovered.Add(1)
		md := udap.Metadata{UDAPVersionsSupported: []string{"1"}}
		if !u.noSigned.Load() {
			md.SignedMetadata = udaptest.Sign(t, cred, udaptest.MetadataClaims(u.srv.URL, time.Now()))
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
		u.registered.Add(1)
		if u.failRegister.Load() {
			http.Error(w, `{"error":"invalid_client_metadata"}`, http.StatusBadRequest)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		stmt, err := validator.VerifySoftwareStatement(body["software_statement"], u.srv.URL+"/register")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		u.mu.Lock()
		u.lastStmt = stmt
		u.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"client_id":"upstream-client"}`))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		u.mu.Lock()
		u.tokenForm = r.PostForm
		u.mu.Unlock()
		if _, err := validator.VerifyClientAssertion(r.PostForm.Get("client_assertion"), r.PostForm.Get("client_id"), u.srv.URL+"/token"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		if r.PostForm.Get("code") == "expired" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"upstream-at","token_type":"Bearer"}`))
	})
	return u
}

type fixture struct {
	upstream *upstreamIdp
	fake     *platformtest.Fake
	store    store.Store
	engine   *Engine
	tokens   *TokenClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ca := udaptest.NewCA(t)
	up := newUpstreamIdp(t, ca)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := client.New(client.Config{
		SAN:        gatewaySAN,
		Credential: ca.Issue(t, gatewaySAN),
		Algorithm:  "RS256",
		Validator:  udap.NewValidator(ca.Anchor(t)),
		HTTPClient: up.srv.Client(),
	})
	f := &fixture{upstream: up, fake: &platformtest.Fake{}, store: store.NewMemoryStore()}
	f.engine = &Engine{
		Client:  c,
		Adapter: f.fake,
		Store:   f.store,
		Registration: Registration{
			Contacts:    []string{"mailto:ops@gateway.example.org"},
			RedirectURI: "https://backend.example.org/oauth2/v1/authorize/callback",
			LogoURI:     "https://gateway.example.org/logo.png",
		},
		Logger:    logger,
		ClaimPoll: 10 * time.Millisecond,
	}
	f.tokens = &TokenClient{Client: c, Adapter: f.fake, Store: f.store, Logger: logger}
	return f
}

func TestRequested(t *testing.T) {
	assert.True(t, Requested(url.Values{"idp": {"https://idp.example.org"}, "scope": {"openid udap"}}))
	assert.False(t, Requested(url.Values{"idp": {"https://idp.example.org"}, "scope": {"openid"}}))
	assert.False(t, Requested(url.Values{"scope": {"openid udap"}}))
}

func TestResolveRegistersUnknownIdp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idpURI := f.upstream.srv.URL

	res, err := f.engine.Resolve(ctx, idpURI)
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.Equal(t, "idp-1", res.IdpID)
	assert.Equal(t, []string{"GetIdpIDByURI " + idpURI, "CreateIdp " + idpURI}, f.fake.Calls())

	mapping, err := f.store.GetIdpMapping(ctx, "idp-1")
	require.NoError(t, err)
	assert.Equal(t, idpURI, mapping.IdpBaseURL)
	assert.Equal(t, "upstream-client", mapping.UpstreamClientID)
	assert.Equal(t, idpURI+"/token", mapping.TokenEndpoint)
	assert.Equal(t, "internal-idp-1", mapping.InternalCredentials.ClientID)

	f.upstream.mu.Lock()
	stmt := f.upstream.lastStmt
	f.upstream.mu.Unlock()
	require.NotNil(t, stmt)
	assert.Equal(t, DefaultClientName, stmt.ClientName)
	assert.Equal(t, DefaultScope, stmt.Scope)
	assert.Equal(t, []string{"authorization_code"}, stmt.GrantTypes)
	assert.Equal(t, []string{"https://backend.example.org/oauth2/v1/authorize/callback"}, stmt.RedirectURIs)
}

func TestResolveKnownIdpSkipsDiscovery(t *testing.T) {
	f := newFixture(t)
	f.fake.AddIdp(f.upstream.srv.URL, "idp-known")

	res, err := f.engine.Resolve(context.Background(), f.upstream.srv.URL)
	require.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Equal(t, "idp-known", res.IdpID)
	assert.Zero(t, f.upstream.discovered.Load())
	assert.Zero(t, f.upstream.registered.Load())
}

func TestResolveMissingSignedMetadata(t *testing.T) {
	f := newFixture(t)
	f.upstream.noSigned.Store(true)

	_, err := f.engine.Resolve(context.Background(), f.upstream.srv.URL)
	coded, ok := udap.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, udap.CodeInvalidIdp, coded.Code)
	assert.Equal(t, "The UDAP metadata file did not contain signed metadata.", coded.Message)
	assert.Zero(t, f.upstream.registered.Load())
	assert.Equal(t, []string{"GetIdpIDByURI " + f.upstream.srv.URL}, f.fake.Calls())
}

func TestResolveUpstreamRegistrationFailure(t *testing.T) {
	f := newFixture(t)
	f.upstream.failRegister.Store(true)

	_, err := f.engine.Resolve(context.Background(), f.upstream.srv.URL)
	coded, ok := udap.AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, udap.CodeUnableToRegister, coded.Code)
	assert.Equal(t, "Unable to register ourselves with the upstream IDP.", coded.Message)
	assert.NotContains(t, f.fake.Calls(), "CreateIdp "+f.upstream.srv.URL)
}

func TestResolveExistingMappingIsBenign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutIdpMapping(ctx, store.IdpMapping{IdpID: "idp-1", IdpBaseURL: f.upstream.srv.URL}))

	res, err := f.engine.Resolve(ctx, f.upstream.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "idp-1", res.IdpID)
}

func TestResolveConcurrentRegistersOnce(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Resolve(context.Background(), f.upstream.srv.URL)
			if assert.NoError(t, err) {
				ids[i] = res.IdpID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, "idp-1", id)
	}
	assert.EqualValues(t, 1, f.upstream.registered.Load())
}

// laggingSearch hides IDPs from the backend search until every caller has
// searched once, the way an eventually consistent index does.
type laggingSearch struct {
	*platformtest.Fake
	searched sync.WaitGroup
}

func (l *laggingSearch) GetIdpIDByURI(context.Context, string) (string, error) {
	l.searched.Done()
	l.searched.Wait()
	return "", nil
}

func TestResolveAcrossInstancesRegistersOnce(t *testing.T) {
	f := newFixture(t)
	search := &laggingSearch{Fake: f.fake}
	search.searched.Add(2)
	engines := []*Engine{
		{Client: f.engine.Client, Adapter: search, Store: f.store, Registration: f.engine.Registration, Logger: f.engine.Logger, ClaimPoll: 10 * time.Millisecond},
		{Client: f.engine.Client, Adapter: search, Store: f.store, Registration: f.engine.Registration, Logger: f.engine.Logger, ClaimPoll: 10 * time.Millisecond},
	}

	results := make([]*Resolution, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *Engine) {
			defer wg.Done()
			res, err := e.Resolve(context.Background(), f.upstream.srv.URL)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i, e)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, "idp-1", results[0].IdpID)
	assert.Equal(t, "idp-1", results[1].IdpID)
	assert.NotEqual(t, results[0].Registered, results[1].Registered, "exactly one instance registers")
	assert.Equal(t, []string{"CreateIdp " + f.upstream.srv.URL}, f.fake.Calls())
	assert.EqualValues(t, 1, f.upstream.registered.Load())
}

func TestResolveUsesCompletedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uri := f.upstream.srv.URL
	require.NoError(t, f.store.ClaimIdpURI(ctx, store.IdpClaim{IdpURI: uri, Owner: "other", ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, f.store.CompleteIdpClaim(ctx, uri, "other", "idp-elsewhere"))

	res, err := f.engine.Resolve(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "idp-elsewhere", res.IdpID)
	assert.False(t, res.Registered)
	assert.NotContains(t, f.fake.Calls(), "CreateIdp "+uri)
	assert.Zero(t, f.upstream.registered.Load())
}

func TestResolveGivesUpOnStalledClaim(t *testing.T) {
	f := newFixture(t)
	f.engine.ClaimWait = 50 * time.Millisecond
	ctx := context.Background()
	uri := f.upstream.srv.URL
	require.NoError(t, f.store.ClaimIdpURI(ctx, store.IdpClaim{IdpURI: uri, Owner: "other", ExpiresAt: time.Now().Add(time.Minute)}))

	_, err := f.engine.Resolve(ctx, uri)
	assert.True(t, udap.HasCode(err, udap.CodeUnableToRegister), "got %v", err)
	assert.NotContains(t, f.fake.Calls(), "CreateIdp "+uri)
}

func TestResolveReleasesClaimOnFailure(t *testing.T) {
	f := newFixture(t)
	f.upstream.failRegister.Store(true)
	uri := f.upstream.srv.URL

	_, err := f.engine.Resolve(context.Background(), uri)
	require.Error(t, err)
	_, err = f.store.GetIdpClaim(context.Background(), uri)
	require.ErrorIs(t, err, store.ErrNotFound)

	f.upstream.failRegister.Store(false)
	res, err := f.engine.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.True(t, res.Registered)
}

func (f *fixture) seedMapping(t *testing.T) store.IdpMapping {
	t.Helper()
	m := store.IdpMapping{
		IdpID:               "idp-9",
		IdpBaseURL:          f.upstream.srv.URL,
		InternalCredentials: store.Credentials{ClientID: "internal", ClientSecret: "s3cret"},
		UpstreamClientID:    "upstream-client",
		TokenEndpoint:       f.upstream.srv.URL + "/token",
	}
	require.NoError(t, f.store.PutIdpMapping(context.Background(), m))
	return m
}

func tieredForm(secret, code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"internal"},
		"client_secret": {secret},
		"code":          {code},
		"redirect_uri":  {"https://backend.example.org/oauth2/v1/authorize/callback"},
	}
}

func TestExchangeForwardsUpstream(t *testing.T) {
	f := newFixture(t)
	f.seedMapping(t)

	resp, err := f.tokens.Exchange(context.Background(), "idp-9", tieredForm("s3cret", "abc"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"access_token":"upstream-at","token_type":"Bearer"}`, string(resp.Body))

	f.upstream.mu.Lock()
	form := f.upstream.tokenForm
	f.upstream.mu.Unlock()
	assert.Equal(t, "upstream-client", form.Get("client_id"))
	assert.Equal(t, "abc", form.Get("code"))
	assert.Equal(t, "1", form.Get("udap"))
	assert.Empty(t, form.Get("client_secret"))
}

func TestExchangePassesUpstreamErrors(t *testing.T) {
	f := newFixture(t)
	f.seedMapping(t)

	resp, err := f.tokens.Exchange(context.Background(), "idp-9", tieredForm("s3cret", "expired"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"invalid_grant"}`, string(resp.Body))
}

func TestExchangeFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.seedMapping(t)

	_, err := f.tokens.Exchange(context.Background(), "idp-9", tieredForm("wrong", "abc"))
	assert.True(t, udap.HasCode(err, udap.CodeInvalidClientAuthentication))

	_, err = f.tokens.Exchange(context.Background(), "idp-unknown", tieredForm("s3cret", "abc"))
	assert.True(t, udap.HasCode(err, udap.CodeInvalidClientAuthentication))
	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	assert.Nil(t, f.upstream.tokenForm)
}

func TestExchangeUpstreamUnreachable(t *testing.T) {
	f := newFixture(t)
	f.seedMapping(t)
	f.upstream.srv.Close()

	_, err := f.tokens.Exchange(context.Background(), "idp-9", tieredForm("s3cret", "abc"))
	require.ErrorIs(t, err, ErrUpstreamExchange)
}
