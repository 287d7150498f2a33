package registration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udapgw/udap"
)

type logoFunc func(ctx context.Context, uri string) bool

func (f logoFunc) ValidLogo(ctx context.Context, uri string) bool { return f(ctx, uri) }

type failingCapabilities struct{}

func (failingCapabilities) Capabilities(context.Context) (*udap.Metadata, error) {
	return nil, errors.New("fhir server unreachable")
}

func testCapabilities() *StaticCapabilities {
	return &StaticCapabilities{
		UDAPProfilesSupported: []string{"udap_dcr", "udap_authn", "udap_authz"},
		GrantTypesSupported:   []string{"authorization_code", "client_credentials", "refresh_token"},
		ScopesSupported:       []string{"openid", "profile", "system/Patient.read", "user/Patient.read"},
	}
}

func acceptLogos() LogoChecker {
	return logoFunc(func(context.Context, string) bool { return true })
}

func authCodeStatement() *udap.SoftwareStatement {
	return &udap.SoftwareStatement{
		Issuer:                  "https://client.example.org",
		Subject:                 "https://client.example.org",
		ClientName:              "Example App",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		RedirectURIs:            []string{"https://client.example.org/callback"},
		Scope:                   "openid user/Patient.read",
		LogoURI:                 "https://client.example.org/logo.png",
		TokenEndpointAuthMethod: "private_key_jwt",
		Claims:                  jwt.MapClaims{"scope": "openid user/Patient.read"},
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		mutate func(*udap.SoftwareStatement)
		caps   *StaticCapabilities
		logos  LogoChecker
		want   string
	}{
		{name: "valid authorization code", mode: ModeCreate},
		{
			name:   "valid client credentials",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.GrantTypes = []string{"client_credentials"}; s.LogoURI = "" },
		},
		{
			name:   "missing client name",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.ClientName = "" },
			want:   "Missing client_name",
		},
		{
			name:   "missing grant types on create",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.GrantTypes = nil },
			want:   "Missing grant_types",
		},
		{
			name:   "grant types optional on edit",
			mode:   ModeEdit,
			mutate: func(s *udap.SoftwareStatement) { s.GrantTypes = nil },
		},
		{
			name:   "missing scope",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.Claims = jwt.MapClaims{} },
			want:   "Missing scope",
		},
		{
			name:   "missing response types",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.ResponseTypes = nil },
			want:   "Missing response_types",
		},
		{
			name:   "missing redirect uris",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.RedirectURIs = nil },
			want:   "Missing redirect_uris",
		},
		{
			name:   "missing logo",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.LogoURI = "" },
			want:   "Missing logo_uri",
		},
		{
			name:  "unreachable logo",
			mode:  ModeCreate,
			logos: logoFunc(func(context.Context, string) bool { return false }),
			want:  "The provided logo_uri must refer to a valid png, jpg, or gif image.",
		},
		{
			name:   "missing auth method",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.TokenEndpointAuthMethod = "" },
			want:   "Missing token_endpoint_auth_method",
		},
		{
			name:   "unsupported scopes",
			mode:   ModeCreate,
			mutate: func(s *udap.SoftwareStatement) { s.Scope = "openid patient/*.write" },
			want:   `Your application is requesting unsupported scopes: ["patient/*.write"]`,
		},
		{
			name: "dcr profile not advertised",
			mode: ModeCreate,
			caps: &StaticCapabilities{
				UDAPProfilesSupported: []string{"udap_authn"},
				GrantTypesSupported:   []string{"authorization_code"},
				ScopesSupported:       []string{"openid", "user/Patient.read"},
			},
			want: "This server does not support dynamic client registration.",
		},
		{
			name: "authorization code not advertised",
			mode: ModeCreate,
			caps: &StaticCapabilities{
				UDAPProfilesSupported: []string{"udap_dcr"},
				GrantTypesSupported:   []string{"client_credentials"},
				ScopesSupported:       []string{"openid", "user/Patient.read"},
			},
			want: "This server does not support the authorization code flow.",
		},
		{
			name: "client credentials not advertised",
			mode: ModeCreate,
			mutate: func(s *udap.SoftwareStatement) {
				s.GrantTypes = []string{"client_credentials"}
			},
			caps: &StaticCapabilities{
				UDAPProfilesSupported: []string{"udap_dcr"},
				GrantTypesSupported:   []string{"authorization_code"},
				ScopesSupported:       []string{"openid", "user/Patient.read"},
			},
			want: "This server does not support the client credentials flow.",
		},
		{
			name: "both families",
			mode: ModeCreate,
			mutate: func(s *udap.SoftwareStatement) {
				s.GrantTypes = []string{"authorization_code", "client_credentials"}
			},
			want: "A client cannot have both authorization_code and client_credentials grant types.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt := authCodeStatement()
			if tt.mutate != nil {
				tt.mutate(stmt)
			}
			caps := tt.caps
			if caps == nil {
				caps = testCapabilities()
			}
			logos := tt.logos
			if logos == nil {
				logos = acceptLogos()
			}
			p := &Policy{Capabilities: caps, Logos: logos}
			err := p.Validate(context.Background(), stmt, tt.mode)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			coded, ok := udap.AsError(err)
			require.True(t, ok, "expected coded error, got %v", err)
			assert.Equal(t, udap.CodeInvalidClientMetadata, coded.Code)
			assert.Equal(t, tt.want, coded.Message)
		})
	}
}

func TestPolicyCapabilitiesFailureIsUncoded(t *testing.T) {
	p := &Policy{Capabilities: failingCapabilities{}, Logos: acceptLogos()}
	err := p.Validate(context.Background(), authCodeStatement(), ModeCreate)
	require.Error(t, err)
	_, coded := udap.AsError(err)
	assert.False(t, coded)
}

func TestHTTPLogoChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG"))
		case "/logo.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			_, _ = w.Write([]byte("jpg"))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	checker := &HTTPLogoChecker{Client: srv.Client(), Timeout: 100 * time.Millisecond}
	ctx := context.Background()
	assert.True(t, checker.ValidLogo(ctx, srv.URL+"/logo.png"))
	assert.True(t, checker.ValidLogo(ctx, srv.URL+"/logo.jpg"))
	assert.False(t, checker.ValidLogo(ctx, srv.URL+"/page"))
	assert.False(t, checker.ValidLogo(ctx, srv.URL+"/missing.png"))
	assert.False(t, checker.ValidLogo(ctx, srv.URL+"/slow"))
	assert.False(t, checker.ValidLogo(ctx, "://bad"))
}

func TestRemoteCapabilitiesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/fhir/.well-known/udap", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"udap_profiles_supported":["udap_dcr"],"scopes_supported":["openid"]}`))
	}))
	defer srv.Close()

	cached := NewRemoteCapabilities(srv.URL+"/fhir/", srv.Client(), time.Minute)
	for i := 0; i < 3; i++ {
		md, err := cached.Capabilities(context.Background())
		require.NoError(t, err)
		assert.True(t, md.SupportsProfile("udap_dcr"))
	}
	assert.EqualValues(t, 1, hits.Load())

	uncached := NewRemoteCapabilities(srv.URL+"/fhir", srv.Client(), 0)
	_, err := uncached.Capabilities(context.Background())
	require.NoError(t, err)
	_, err = uncached.Capabilities(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
}

func TestRemoteCapabilitiesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemoteCapabilities(srv.URL, srv.Client(), time.Minute).Capabilities(context.Background())
	require.Error(t, err)
}
