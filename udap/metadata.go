package udap

// Metadata is the /.well-known/udap discovery document.
type Metadata struct {
	UDAPVersionsSupported                      []string `json:"udap_versions_supported"`
	UDAPProfilesSupported                      []string `json:"udap_profiles_supported"`
	UDAPAuthorizationExtensionsSupported       []string `json:"udap_authorization_extensions_supported"`
	UDAPAuthorizationExtensionsRequired        []string `json:"udap_authorization_extensions_required"`
	UDAPCertificationsSupported                []string `json:"udap_certifications_supported"`
	UDAPCertificationsRequired                 []string `json:"udap_certifications_required"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	ScopesSupported                            []string `json:"scopes_supported"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                              string   `json:"token_endpoint,omitempty"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RegistrationEndpoint                       string   `json:"registration_endpoint,omitempty"`
	RegistrationEndpointJWTSigningAlgValues    []string `json:"registration_endpoint_jwt_signing_alg_values_supported"`
	SignedMetadata                             string   `json:"signed_metadata,omitempty"`
}

// SupportsProfile reports whether profile is advertised.
func (m *Metadata) SupportsProfile(profile string) bool {
	return contains(m.UDAPProfilesSupported, profile)
}

// SupportsGrant reports whether grant is advertised.
func (m *Metadata) SupportsGrant(grant string) bool {
	return contains(m.GrantTypesSupported, grant)
}

// SupportsScope reports whether scope is advertised.
func (m *Metadata) SupportsScope(scope string) bool {
	return contains(m.ScopesSupported, scope)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
