// Package federation bootstraps tiered OAuth: it admits an upstream IDP
// into the backend platform after proving the IDP belongs to the trust
// community, and redeems codes at that IDP on the backend's behalf.
package federation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"udapgw/client"
	"udapgw/platform"
	"udapgw/store"
	"udapgw/udap"
)

const registerFailureMessage = "Unable to register ourselves with the upstream IDP."

// Upstream registration defaults.
const (
	DefaultClientName = "Tiered OAuth Test Data Holder"
	DefaultScope      = "fhirUser udap openid email profile"

	DefaultClaimTTL  = 2 * time.Minute
	DefaultClaimWait = 15 * time.Second
	defaultClaimPoll = 250 * time.Millisecond
)

var errRegistrationElsewhere = errors.New("idp registration by another instance did not finish")

// Requested reports whether an authorize query asks for tiered OAuth: an
// idp parameter together with the udap scope.
func Requested(q url.Values) bool {
	if q.Get("idp") == "" {
		return false
	}
	for _, s := range strings.Fields(q.Get("scope")) {
		if s == "udap" {
			return true
		}
	}
	return false
}

// Registration is the client metadata this gateway presents to upstream
// IDPs.
type Registration struct {
	ClientName  string
	Contacts    []string
	RedirectURI string
	LogoURI     string
	Scope       string
}

func (r Registration) request() client.RegistrationRequest {
	name := r.ClientName
	if name == "" {
		name = DefaultClientName
	}
	scope := r.Scope
	if scope == "" {
		scope = DefaultScope
	}
	return client.RegistrationRequest{
		ClientName:    name,
		Contacts:      append([]string(nil), r.Contacts...),
		GrantTypes:    []string{"authorization_code"},
		ResponseTypes: []string{"code"},
		RedirectURIs:  []string{r.RedirectURI},
		LogoURI:       r.LogoURI,
		Scope:         scope,
	}
}

// Resolution is the backend IDP an authorize request should be sent to.
type Resolution struct {
	IdpID string
	// Registered is true when this call admitted the IDP.
	Registered bool
}

// Engine resolves upstream IDP URIs to backend IDP ids, registering
// unknown ones. Concurrent resolutions of one URI share a single flight
// within the process, and a URI claim in the store across instances.
type Engine struct {
	Client       *client.Client
	Adapter      platform.Adapter
	Store        store.Store
	Registration Registration
	Logger       *slog.Logger

	// ClaimTTL bounds how long a pending claim blocks other instances.
	ClaimTTL time.Duration
	// ClaimWait is how long a losing instance waits for the winner.
	ClaimWait time.Duration
	// ClaimPoll is the interval between claim reads while waiting.
	ClaimPoll time.Duration

	group singleflight.Group
}

// Resolve returns the backend IDP id for idpURI.
func (e *Engine) Resolve(ctx context.Context, idpURI string) (*Resolution, error) {
	// Registration side effects must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	v, err, shared := e.group.Do(idpURI, func() (any, error) {
		return e.resolve(ctx, idpURI)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Resolution)
	if shared {
		e.Logger.Debug("federation.shared", "idp", idpURI)
	}
	return &res, nil
}

func (e *Engine) resolve(ctx context.Context, idpURI string) (*Resolution, error) {
	idpID, err := e.Adapter.GetIdpIDByURI(ctx, idpURI)
	if err != nil {
		e.Logger.Error("federation.lookup_failed", "idp", idpURI, "error", err)
		return nil, udap.UnableToRegister(registerFailureMessage, err)
	}
	if idpID != "" {
		return &Resolution{IdpID: idpID}, nil
	}

	disc, err := e.Client.DiscoverMetadata(ctx, idpURI)
	if err != nil {
		e.Logger.Warn("federation.untrusted_idp", "idp", idpURI, "error", err)
		if _, ok := udap.AsError(err); ok {
			return nil, err
		}
		return nil, udap.InvalidIdp(err.Error(), err)
	}
	e.Logger.Info("federation.trusted_idp", "idp", idpURI)

	owner := uuid.NewString()
	claim := store.IdpClaim{IdpURI: idpURI, Owner: owner, ExpiresAt: time.Now().Add(durationOr(e.ClaimTTL, DefaultClaimTTL))}
	if err := e.Store.ClaimIdpURI(ctx, claim); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return e.awaitClaim(ctx, idpURI)
		}
		e.Logger.Error("federation.claim_failed", "idp", idpURI, "error", err)
		return nil, udap.UnableToRegister(registerFailureMessage, err)
	}

	mapping, err := e.register(ctx, idpURI, disc)
	if err != nil {
		e.Logger.Error("federation.register_failed", "idp", idpURI, "error", err)
		if relErr := e.Store.ReleaseIdpClaim(ctx, idpURI, owner); relErr != nil {
			e.Logger.Warn("federation.claim_release_failed", "idp", idpURI, "error", relErr)
		}
		return nil, udap.UnableToRegister(registerFailureMessage, err)
	}
	if err := e.Store.PutIdpMapping(ctx, *mapping); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			e.Logger.Error("federation.orphaned_idp", "idp", idpURI, "idp_id", mapping.IdpID, "error", err)
			return nil, udap.UnableToRegister(registerFailureMessage, err)
		}
		e.Logger.Warn("federation.mapping_exists", "idp", idpURI, "idp_id", mapping.IdpID)
	}
	if err := e.Store.CompleteIdpClaim(ctx, idpURI, owner, mapping.IdpID); err != nil {
		// The backend lookup still finds the IDP; only waiting instances miss it.
		e.Logger.Warn("federation.claim_complete_failed", "idp", idpURI, "idp_id", mapping.IdpID, "error", err)
	}
	e.Logger.Info("federation.registered", "idp", idpURI, "idp_id", mapping.IdpID)
	return &Resolution{IdpID: mapping.IdpID, Registered: true}, nil
}

// awaitClaim waits for the instance holding the claim on idpURI to record
// the backend IDP id.
func (e *Engine) awaitClaim(ctx context.Context, idpURI string) (*Resolution, error) {
	e.Logger.Info("federation.claim_held", "idp", idpURI)
	deadline := time.Now().Add(durationOr(e.ClaimWait, DefaultClaimWait))
	ticker := time.NewTicker(durationOr(e.ClaimPoll, defaultClaimPoll))
	defer ticker.Stop()
	for {
		claim, err := e.Store.GetIdpClaim(ctx, idpURI)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Released after a failed registration or lapsed.
			e.Logger.Warn("federation.claim_abandoned", "idp", idpURI)
			return nil, udap.UnableToRegister(registerFailureMessage, errRegistrationElsewhere)
		case err != nil:
			e.Logger.Error("federation.claim_lookup_failed", "idp", idpURI, "error", err)
			return nil, udap.UnableToRegister(registerFailureMessage, err)
		case !claim.Pending():
			return &Resolution{IdpID: claim.IdpID}, nil
		}
		if time.Now().After(deadline) {
			e.Logger.Warn("federation.claim_wait_expired", "idp", idpURI, "owner", claim.Owner)
			return nil, udap.UnableToRegister(registerFailureMessage, errRegistrationElsewhere)
		}
		select {
		case <-ctx.Done():
			return nil, udap.UnableToRegister(registerFailureMessage, ctx.Err())
		case <-ticker.C:
		}
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (e *Engine) register(ctx context.Context, idpURI string, disc *client.Discovery) (*store.IdpMapping, error) {
	oidcCfg, err := e.Client.DiscoverOIDC(ctx, idpURI)
	if err != nil {
		return nil, err
	}
	endpoint := disc.Signed.RegistrationEndpoint
	if endpoint == "" {
		endpoint = disc.Metadata.RegistrationEndpoint
	}
	if endpoint == "" {
		return nil, errors.New("upstream advertises no registration endpoint")
	}
	req := e.Registration.request()
	upstream, err := e.Client.Register(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	e.Logger.Info("federation.upstream_registered", "idp", idpURI, "client_id", upstream.ClientID)

	created, err := e.Adapter.CreateIdp(ctx, platform.IdpDetail{
		IdpURI:       idpURI,
		AuthorizeURL: disc.Signed.AuthorizationEndpoint,
		TokenURL:     disc.Signed.TokenEndpoint,
		UserInfoURL:  oidcCfg.UserInfoEndpoint,
		JWKSURL:      oidcCfg.JWKSURI,
		ClientID:     upstream.ClientID,
		Issuer:       oidcCfg.Issuer,
		Scope:        req.Scope,
	})
	if err != nil {
		return nil, err
	}
	return &store.IdpMapping{
		IdpID:               created.IdpID,
		IdpBaseURL:          idpURI,
		InternalCredentials: created.Credentials,
		UpstreamClientID:    upstream.ClientID,
		TokenEndpoint:       disc.Signed.TokenEndpoint,
	}, nil
}
