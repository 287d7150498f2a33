// Package registration implements UDAP trusted dynamic client
// registration: metadata policy and the per-SAN client lifecycle.
package registration

import (
	"context"
	"encoding/json"
	"fmt"

	"udapgw/udap"
)

// Mode distinguishes create from edit requests.
type Mode int

const (
	ModeCreate Mode = iota
	ModeEdit
)

// Policy checks registration metadata against server capabilities.
type Policy struct {
	Capabilities Capabilities
	Logos        LogoChecker
}

// Validate applies the registration rules in order and reports the first
// failure as invalid_client_metadata.
func (p *Policy) Validate(ctx context.Context, stmt *udap.SoftwareStatement, mode Mode) error {
	if stmt.ClientName == "" {
		return udap.InvalidClientMetadata("Missing client_name")
	}
	if mode == ModeCreate && len(stmt.GrantTypes) == 0 {
		return udap.InvalidClientMetadata("Missing grant_types")
	}
	if _, ok := stmt.Claims["scope"]; !ok {
		return udap.InvalidClientMetadata("Missing scope")
	}
	authCode := stmt.HasGrant("authorization_code")
	if authCode {
		if len(stmt.ResponseTypes) == 0 {
			return udap.InvalidClientMetadata("Missing response_types")
		}
		if len(stmt.RedirectURIs) == 0 {
			return udap.InvalidClientMetadata("Missing redirect_uris")
		}
		if stmt.LogoURI == "" {
			return udap.InvalidClientMetadata("Missing logo_uri")
		}
	}
	if stmt.LogoURI != "" && (p.Logos == nil || !p.Logos.ValidLogo(ctx, stmt.LogoURI)) {
		return udap.InvalidClientMetadata("The provided logo_uri must refer to a valid png, jpg, or gif image.")
	}
	if stmt.TokenEndpointAuthMethod == "" {
		return udap.InvalidClientMetadata("Missing token_endpoint_auth_method")
	}

	md, err := p.Capabilities.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("load server capabilities: %w", err)
	}
	var unsupported []string
	for _, scope := range stmt.Scopes() {
		if !md.SupportsScope(scope) {
			unsupported = append(unsupported, scope)
		}
	}
	if len(unsupported) > 0 {
		encoded, _ := json.Marshal(unsupported)
		return udap.InvalidClientMetadata("Your application is requesting unsupported scopes: " + string(encoded))
	}
	if !md.SupportsProfile("udap_dcr") {
		return udap.InvalidClientMetadata("This server does not support dynamic client registration.")
	}
	for _, grant := range stmt.GrantTypes {
		if md.SupportsGrant(grant) {
			continue
		}
		switch grant {
		case "authorization_code":
			return udap.InvalidClientMetadata("This server does not support the authorization code flow.")
		case "client_credentials":
			return udap.InvalidClientMetadata("This server does not support the client credentials flow.")
		default:
			return udap.InvalidClientMetadata(fmt.Sprintf("This server does not support the %s grant type.", grant))
		}
	}
	if authCode && stmt.HasGrant("client_credentials") {
		return udap.InvalidClientMetadata("A client cannot have both authorization_code and client_credentials grant types.")
	}
	return nil
}
