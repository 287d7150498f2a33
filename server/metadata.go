package server

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"udapgw/udap"
)

// metadata is the unsigned part of this server's UDAP discovery document.
func (a *App) metadata() udap.Metadata {
	alg := []string{a.Config.UDAP.SigningAlgorithm}
	return udap.Metadata{
		UDAPVersionsSupported:                      []string{"1"},
		UDAPProfilesSupported:                      []string{"udap_dcr", "udap_authn", "udap_authz", "udap_to"},
		UDAPAuthorizationExtensionsSupported:       []string{},
		UDAPAuthorizationExtensionsRequired:        []string{},
		UDAPCertificationsSupported:                []string{},
		UDAPCertificationsRequired:                 []string{},
		GrantTypesSupported:                        a.Config.UDAP.GrantTypesSupported,
		ScopesSupported:                            a.Config.UDAP.ScopesSupported,
		AuthorizationEndpoint:                      a.Config.Roles.DataHolder.AuthorizeEndpoint,
		TokenEndpoint:                              a.Config.Roles.DataHolder.TokenEndpoint,
		TokenEndpointAuthMethodsSupported:          []string{"private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: alg,
		RegistrationEndpoint:                       a.Config.UDAP.RegistrationEndpoint,
		RegistrationEndpointJWTSigningAlgValues:    alg,
	}
}

func (a *App) handleUDAPMetadata(w http.ResponseWriter, r *http.Request) {
	san := a.Config.UDAP.ServerSAN
	if a.Credential == nil || a.Credential.Leaf() == nil || !udap.ValidateSANInCert(san, a.Credential.Leaf()) {
		a.Logger.Error("metadata.san_mismatch", "server_san", san)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": metadataSANMessage})
		return
	}

	md := a.metadata()
	now := a.Now()
	signed, err := udap.GenerateSignedJWT(jwt.MapClaims{
		"iss":                    san,
		"sub":                    san,
		"iat":                    now.Unix(),
		"exp":                    now.Add(signedMetadataLifetime).Unix(),
		"jti":                    uuid.NewString(),
		"authorization_endpoint": md.AuthorizationEndpoint,
		"token_endpoint":         md.TokenEndpoint,
		"registration_endpoint":  md.RegistrationEndpoint,
	}, a.Credential, a.Config.UDAP.SigningAlgorithm)
	if err != nil {
		a.Logger.Error("metadata.sign_failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": metadataErrorMessage})
		return
	}
	md.SignedMetadata = signed
	writeJSON(w, http.StatusOK, md)
}
