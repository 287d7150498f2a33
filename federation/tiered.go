package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"udapgw/client"
	"udapgw/platform"
	"udapgw/store"
	"udapgw/udap"
)

const invalidTieredClientMessage = "Invalid client authentication from the identity platform."

// ErrUpstreamExchange marks a failed code redemption at the upstream IDP.
var ErrUpstreamExchange = errors.New("tiered token exchange failed")

// TokenClient redeems authorization codes at upstream IDPs for the
// backend platform.
type TokenClient struct {
	Client  *client.Client
	Adapter platform.Adapter
	Store   store.Store
	Logger  *slog.Logger
}

// Exchange authenticates the backend's token request for idpID and
// forwards the code upstream. The upstream reply is returned verbatim.
func (t *TokenClient) Exchange(ctx context.Context, idpID string, form url.Values) (*client.TokenResponse, error) {
	mapping, err := t.Store.GetIdpMapping(ctx, idpID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.Logger.Warn("tiered.unknown_idp", "idp_id", idpID)
			return nil, udap.InvalidClientAuthentication(invalidTieredClientMessage)
		}
		return nil, fmt.Errorf("idp mapping lookup: %w", err)
	}

	clientID, err := t.Adapter.ValidateTieredOAuthRequest(mapping, form)
	if err != nil || clientID == "" {
		t.Logger.Warn("tiered.rejected", "idp_id", idpID, "error", err)
		if coded, ok := udap.AsError(err); ok {
			return nil, coded
		}
		return nil, udap.InvalidClientAuthentication(invalidTieredClientMessage)
	}

	tokenEndpoint := mapping.TokenEndpoint
	if tokenEndpoint == "" {
		disc, err := t.Client.DiscoverMetadata(ctx, mapping.IdpBaseURL)
		if err != nil {
			t.Logger.Error("tiered.discovery_failed", "idp_id", idpID, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrUpstreamExchange, err)
		}
		tokenEndpoint = disc.Signed.TokenEndpoint
	}

	resp, err := t.Client.ExchangeCode(ctx, tokenEndpoint, clientID, form.Get("code"), form.Get("redirect_uri"))
	if err != nil {
		t.Logger.Error("tiered.exchange_failed", "idp_id", idpID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamExchange, err)
	}
	t.Logger.Info("tiered.exchanged", "idp_id", idpID, "status", resp.StatusCode)
	return resp, nil
}
