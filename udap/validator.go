package udap

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// MaxAssertionLifetime bounds exp-iat of every endpoint-bound assertion.
	MaxAssertionLifetime = 300 * time.Second
	// DefaultMetadataLifetime bounds exp-iat of signed_metadata documents.
	DefaultMetadataLifetime = 365 * 24 * time.Hour
)

// SoftwareStatement is the validated claim set of a registration request.
type SoftwareStatement struct {
	Issuer                  string
	Subject                 string
	ClientName              string
	GrantTypes              []string
	ResponseTypes           []string
	RedirectURIs            []string
	Scope                   string
	LogoURI                 string
	TokenEndpointAuthMethod string
	Contacts                []string

	// Claims is the full claim set, echoed back in registration responses.
	Claims jwt.MapClaims
	JWT    *VerifiedJWT
}

// HasGrant reports whether the statement requests grant.
func (s *SoftwareStatement) HasGrant(grant string) bool {
	for _, g := range s.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// Scopes splits the space delimited scope claim.
func (s *SoftwareStatement) Scopes() []string {
	return strings.Fields(s.Scope)
}

// SignedMetadata holds the validated endpoints of an upstream server.
type SignedMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	Claims                jwt.MapClaims
}

// ClientAssertion is a validated private_key_jwt assertion.
type ClientAssertion struct {
	ClientID string
	Claims   jwt.MapClaims
	JWT      *VerifiedJWT
}

// Validator layers UDAP claim rules over signature and chain verification.
type Validator struct {
	Anchor *TrustAnchor
	// MetadataLifetime caps exp-iat for signed_metadata. Zero uses
	// DefaultMetadataLifetime.
	MetadataLifetime time.Duration
	Now              func() time.Time
}

// NewValidator returns a validator bound to anchor.
func NewValidator(anchor *TrustAnchor) *Validator {
	return &Validator{Anchor: anchor, Now: time.Now}
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// VerifySoftwareStatement validates a TDCR software statement bound to the
// registration endpoint aud.
func (v *Validator) VerifySoftwareStatement(compact, aud string) (*SoftwareStatement, error) {
	if compact == "" {
		return nil, InvalidSoftwareStatement("Missing software_statement")
	}
	now := v.now()
	verified, err := VerifyJWT(compact, v.Anchor, now)
	if err != nil {
		return nil, &Error{Code: CodeInvalidSoftwareStatement, Message: verifyMessage(err), Cause: err}
	}
	claims := verified.Claims
	iss, sub := stringClaim(claims, "iss"), stringClaim(claims, "sub")
	if iss == "" || sub == "" || iss != sub {
		return nil, InvalidSoftwareStatement("Invalid iss/sub values")
	}
	if !ValidateSANInCert(iss, verified.Certificate) {
		return nil, InvalidSoftwareStatement("Invalid iss value")
	}
	if !audienceMatches(claims, aud) {
		return nil, InvalidSoftwareStatement("Invalid aud value")
	}
	if msg := checkWindow(claims, now, MaxAssertionLifetime); msg != "" {
		return nil, InvalidSoftwareStatement(msg)
	}
	return &SoftwareStatement{
		Issuer:                  iss,
		Subject:                 sub,
		ClientName:              stringClaim(claims, "client_name"),
		GrantTypes:              stringsClaim(claims, "grant_types"),
		ResponseTypes:           stringsClaim(claims, "response_types"),
		RedirectURIs:            stringsClaim(claims, "redirect_uris"),
		Scope:                   stringClaim(claims, "scope"),
		LogoURI:                 stringClaim(claims, "logo_uri"),
		TokenEndpointAuthMethod: stringClaim(claims, "token_endpoint_auth_method"),
		Contacts:                stringsClaim(claims, "contacts"),
		Claims:                  claims,
		JWT:                     verified,
	}, nil
}

// VerifySignedMetadata validates an upstream's signed_metadata. The
// document is not bound to an endpoint so aud is not checked; iss must
// equal the base URL the document was fetched for.
func (v *Validator) VerifySignedMetadata(compact, baseURL string) (*SignedMetadata, error) {
	if compact == "" {
		return nil, InvalidIdp("The UDAP metadata file did not contain signed metadata.", nil)
	}
	now := v.now()
	verified, err := VerifyJWT(compact, v.Anchor, now)
	if err != nil {
		return nil, InvalidIdp(verifyMessage(err), err)
	}
	claims := verified.Claims
	iss, sub := stringClaim(claims, "iss"), stringClaim(claims, "sub")
	if iss == "" || iss != sub {
		return nil, InvalidIdp("Invalid iss/sub values", nil)
	}
	if !ValidateSANInCert(iss, verified.Certificate) {
		return nil, InvalidIdp("Invalid iss value", nil)
	}
	if strings.TrimRight(iss, "/") != strings.TrimRight(baseURL, "/") {
		return nil, InvalidIdp("The signed metadata issuer does not match the IDP base URL.", nil)
	}
	lifetime := v.MetadataLifetime
	if lifetime <= 0 {
		lifetime = DefaultMetadataLifetime
	}
	if msg := checkWindow(claims, now, lifetime); msg != "" {
		return nil, InvalidIdp(msg, nil)
	}
	md := &SignedMetadata{
		Issuer:                iss,
		AuthorizationEndpoint: stringClaim(claims, "authorization_endpoint"),
		TokenEndpoint:         stringClaim(claims, "token_endpoint"),
		RegistrationEndpoint:  stringClaim(claims, "registration_endpoint"),
		Claims:                claims,
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, InvalidIdp("The signed metadata is missing the authorization or token endpoint.", nil)
	}
	return md, nil
}

// VerifyClientAssertion validates a UDAP client assertion presented at a
// token endpoint. clientID is the form's client_id and may be empty.
func (v *Validator) VerifyClientAssertion(compact, clientID, aud string) (*ClientAssertion, error) {
	if compact == "" {
		return nil, InvalidRequest("Missing client_assertion")
	}
	now := v.now()
	verified, err := VerifyJWT(compact, v.Anchor, now)
	if err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: verifyMessage(err), Cause: err}
	}
	claims := verified.Claims
	if msg := checkWindow(claims, now, MaxAssertionLifetime); msg == "Invalid exp value" || msg == "Invalid iat value" {
		return nil, InvalidRequest("Invalid exp value")
	}
	sub := stringClaim(claims, "sub")
	if sub == "" {
		return nil, InvalidRequest("Invalid client_id or sub value")
	}
	if cid, ok := claims["client_id"]; ok && cid != sub {
		return nil, InvalidRequest("Invalid client_id or sub value")
	}
	if clientID != "" && clientID != sub {
		return nil, InvalidRequest("Invalid client_id or sub value")
	}
	if !audienceMatches(claims, aud) {
		return nil, InvalidRequest("Invalid aud value")
	}
	return &ClientAssertion{ClientID: sub, Claims: claims, JWT: verified}, nil
}

// checkWindow enforces iat not in the future, exp in the future and
// exp-iat within max. It returns the failure message or "".
func checkWindow(claims jwt.MapClaims, now time.Time, max time.Duration) string {
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil || iat.After(now) {
		return "Invalid iat value"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.After(now) {
		return "Invalid exp value"
	}
	if exp.Sub(iat.Time) > max {
		return "Invalid exp value"
	}
	return ""
}

func audienceMatches(claims jwt.MapClaims, expected string) bool {
	if expected == "" {
		return false
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}

func verifyMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingX5C):
		return "The JWT header does not contain an x5c certificate chain."
	case errors.Is(err, ErrInvalidChain):
		return "The signing certificate is not trusted by this community."
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "The JWT is malformed."
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "The JWT signature is invalid."
	}
	return "The JWT could not be verified."
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func stringsClaim(claims jwt.MapClaims, name string) []string {
	switch v := claims[name].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Grant families. A client belongs to exactly one for its lifetime.
const (
	FamilyAuthorizationCode = "authorization_code"
	FamilyClientCredentials = "client_credentials"
)

// GrantFamily classifies a grant type list.
func GrantFamily(grants []string) string {
	for _, g := range grants {
		if g == "authorization_code" {
			return FamilyAuthorizationCode
		}
	}
	return FamilyClientCredentials
}

// Family returns the statement's grant family.
func (s *SoftwareStatement) Family() string { return GrantFamily(s.GrantTypes) }
