package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"udapgw/platform"
	"udapgw/store"
)

// Metadata defaults advertised at /.well-known/udap.
var (
	DefaultGrantTypesSupported = []string{"authorization_code", "refresh_token", "client_credentials"}
	DefaultScopesSupported     = []string{"openid", "fhirUser", "email", "profile"}
)

const (
	DefaultOutboundTimeout = 10 * time.Second
	DefaultHSTSMaxAge      = 31536000
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	UDAP        UDAPConfig        `yaml:"udap"`
	FHIR        FHIRConfig        `yaml:"fhir"`
	Roles       RolesConfig       `yaml:"roles"`
	Platform    platform.Config   `yaml:"platform"`
	TieredOAuth TieredOAuthConfig `yaml:"tiered_oauth"`
	Storage     store.Config      `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string        `yaml:"public_url"`
	DevListenAddr   string        `yaml:"dev_listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	SecretsPath     string        `yaml:"secrets_path"`
	TLS             TLSConfig     `yaml:"tls"`
	OutboundTimeout time.Duration `yaml:"outbound_timeout"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// UDAPConfig holds the community trust anchor and this server's member
// credential. The credential is either a PKCS#12 file or a PEM pair.
type UDAPConfig struct {
	CommunityCert        string        `yaml:"community_cert"`
	ServerKey            string        `yaml:"server_key"`
	ServerKeyPassword    string        `yaml:"server_key_password"`
	ServerCertPEM        string        `yaml:"server_cert_pem"`
	ServerKeyPEM         string        `yaml:"server_key_pem"`
	ServerSAN            string        `yaml:"server_san"`
	SigningAlgorithm     string        `yaml:"signing_algorithm"`
	RegistrationEndpoint string        `yaml:"registration_endpoint"`
	MetadataMaxLifetime  time.Duration `yaml:"metadata_max_lifetime"`
	GrantTypesSupported  []string      `yaml:"grant_types_supported"`
	ScopesSupported      []string      `yaml:"scopes_supported"`
}

// FHIRConfig points at the protected FHIR server whose own UDAP metadata
// bounds what clients may register for. An empty base URL checks
// registrations against this gateway's advertised metadata instead.
type FHIRConfig struct {
	BaseURL         string        `yaml:"base_url"`
	CapabilitiesTTL time.Duration `yaml:"capabilities_ttl"`
}

// RolesConfig holds the data holder and IDP endpoint sets.
type RolesConfig struct {
	DataHolder RoleConfig `yaml:"dataholder"`
	IDP        RoleConfig `yaml:"idp"`
}

// RoleConfig pairs the public endpoints of a role with the backend
// endpoints requests are proxied to. TokenEndpoint is also the audience
// client assertions must carry.
type RoleConfig struct {
	AuthorizeEndpoint   string `yaml:"authorize_endpoint"`
	TokenEndpoint       string `yaml:"token_endpoint"`
	BackendAuthorizeURL string `yaml:"backend_authorize_url"`
	BackendTokenURL     string `yaml:"backend_token_url"`
}

// Enabled reports whether the role has backend endpoints to proxy to.
func (r RoleConfig) Enabled() bool {
	return r.BackendAuthorizeURL != "" && r.BackendTokenURL != ""
}

// TieredOAuthConfig is the client metadata presented to upstream IDPs.
type TieredOAuthConfig struct {
	RedirectURI string   `yaml:"redirect_uri"`
	LogoURI     string   `yaml:"logo_uri"`
	ClientName  string   `yaml:"client_name"`
	Contacts    []string `yaml:"contacts"`
	Scope       string   `yaml:"scope"`
	// ClaimWait is how long a request waits for another instance that is
	// already registering the same upstream IDP.
	ClaimWait time.Duration `yaml:"claim_wait"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			OutboundTimeout: DefaultOutboundTimeout,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		UDAP: UDAPConfig{
			SigningAlgorithm:    "RS256",
			GrantTypesSupported: append([]string(nil), DefaultGrantTypesSupported...),
			ScopesSupported:     append([]string(nil), DefaultScopesSupported...),
		},
		FHIR: FHIRConfig{CapabilitiesTTL: 5 * time.Minute},
		Platform: platform.Config{
			Type:    platform.TypeOkta,
			Timeout: DefaultOutboundTimeout,
		},
		Storage: store.Config{
			Backend: store.BackendMemory,
			DynamoDB: store.DynamoConfig{
				SanTable: "udap_san_registry",
				IdpTable: "udap_idp_mapping",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// applyDerivedDefaults fills public endpoints from server.public_url.
func (c *Config) applyDerivedDefaults() {
	base := strings.TrimSuffix(c.Server.PublicURL, "/")
	if c.UDAP.ServerSAN == "" {
		c.UDAP.ServerSAN = base
	}
	if c.UDAP.RegistrationEndpoint == "" {
		c.UDAP.RegistrationEndpoint = base + "/register"
	}
	if c.Roles.DataHolder.AuthorizeEndpoint == "" {
		c.Roles.DataHolder.AuthorizeEndpoint = base + "/authorize"
	}
	if c.Roles.DataHolder.TokenEndpoint == "" {
		c.Roles.DataHolder.TokenEndpoint = base + "/token"
	}
	if c.Roles.IDP.AuthorizeEndpoint == "" {
		c.Roles.IDP.AuthorizeEndpoint = base + "/idp/authorize"
	}
	if c.Roles.IDP.TokenEndpoint == "" {
		c.Roles.IDP.TokenEndpoint = base + "/idp/token"
	}
	if c.Platform.BaseDomain == "" {
		if u, err := url.Parse(base); err == nil {
			c.Platform.BaseDomain = u.Host
		}
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"UDAPGW_SERVER_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"UDAPGW_SERVER_DEV_LISTEN_ADDR":     func(v string) { cfg.Server.DevListenAddr = v },
		"UDAPGW_SERVER_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"UDAPGW_SERVER_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"UDAPGW_SERVER_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"UDAPGW_SERVER_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"UDAPGW_SERVER_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"UDAPGW_SERVER_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"UDAPGW_SERVER_OUTBOUND_TIMEOUT":    func(v string) { cfg.Server.OutboundTimeout = parseDuration(v, cfg.Server.OutboundTimeout) },
		"UDAPGW_UDAP_COMMUNITY_CERT":        func(v string) { cfg.UDAP.CommunityCert = v },
		"UDAPGW_UDAP_SERVER_KEY":            func(v string) { cfg.UDAP.ServerKey = v },
		"UDAPGW_UDAP_SERVER_KEY_PASSWORD":   func(v string) { cfg.UDAP.ServerKeyPassword = v },
		"UDAPGW_UDAP_SERVER_SAN":            func(v string) { cfg.UDAP.ServerSAN = v },
		"UDAPGW_UDAP_SIGNING_ALGORITHM":     func(v string) { cfg.UDAP.SigningAlgorithm = v },
		"UDAPGW_FHIR_BASE_URL":              func(v string) { cfg.FHIR.BaseURL = v },
		"UDAPGW_PLATFORM_TYPE":              func(v string) { cfg.Platform.Type = v },
		"UDAPGW_PLATFORM_ORG_DOMAIN":        func(v string) { cfg.Platform.OrgDomain = v },
		"UDAPGW_PLATFORM_CLIENT_ID":         func(v string) { cfg.Platform.ClientID = v },
		"UDAPGW_PLATFORM_PRIVATE_KEY_FILE":  func(v string) { cfg.Platform.PrivateKeyFile = v },
		"UDAPGW_PLATFORM_CUSTOM_DOMAIN_KEY": func(v string) { cfg.Platform.CustomDomainAPIKey = v },
		"UDAPGW_STORAGE_BACKEND":            func(v string) { cfg.Storage.Backend = v },
		"UDAPGW_STORAGE_REDIS_ADDRS":        func(v string) { cfg.Storage.Redis.Addrs = splitAndTrim(v) },
		"UDAPGW_STORAGE_REDIS_PASSWORD":     func(v string) { cfg.Storage.Redis.Password = v },
		"UDAPGW_STORAGE_REDIS_DB":           func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"UDAPGW_STORAGE_DYNAMODB_REGION":    func(v string) { cfg.Storage.DynamoDB.Region = v },
		"UDAPGW_STORAGE_DYNAMODB_ENDPOINT":  func(v string) { cfg.Storage.DynamoDB.Endpoint = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.UDAP.CommunityCert == "" {
		slog.Error("Missing required configuration", "field", "udap.community_cert")
		return errors.New("udap.community_cert is required")
	}
	hasP12 := c.UDAP.ServerKey != ""
	hasPEM := c.UDAP.ServerCertPEM != "" || c.UDAP.ServerKeyPEM != ""
	switch {
	case hasP12 && hasPEM:
		slog.Error("Conflicting server credential configuration", "fields", []string{"udap.server_key", "udap.server_cert_pem"})
		return errors.New("udap.server_key and udap.server_cert_pem/server_key_pem are mutually exclusive")
	case !hasP12 && !hasPEM:
		slog.Error("Missing required configuration", "field", "udap.server_key")
		return errors.New("udap.server_key (PKCS#12) or udap.server_cert_pem and udap.server_key_pem are required")
	case hasPEM && (c.UDAP.ServerCertPEM == "" || c.UDAP.ServerKeyPEM == ""):
		slog.Error("Incomplete PEM server credential", "fields", []string{"udap.server_cert_pem", "udap.server_key_pem"})
		return errors.New("udap.server_cert_pem and udap.server_key_pem must both be set")
	}
	switch c.UDAP.SigningAlgorithm {
	case "RS256", "RS384", "RS512", "ES256", "ES384", "ES512":
	default:
		slog.Error("Invalid signing algorithm", "field", "udap.signing_algorithm", "value", c.UDAP.SigningAlgorithm)
		return fmt.Errorf("udap.signing_algorithm %q is not supported", c.UDAP.SigningAlgorithm)
	}
	if c.FHIR.BaseURL != "" && !isHTTPURL(c.FHIR.BaseURL) {
		slog.Error("Invalid configuration value", "field", "fhir.base_url", "value", c.FHIR.BaseURL)
		return fmt.Errorf("fhir.base_url must start with http:// or https://, got: %s", c.FHIR.BaseURL)
	}

	if !c.Roles.DataHolder.Enabled() {
		slog.Error("Missing required configuration", "field", "roles.dataholder.backend_authorize_url")
		return errors.New("roles.dataholder.backend_authorize_url and backend_token_url are required")
	}
	for name, role := range map[string]RoleConfig{"dataholder": c.Roles.DataHolder, "idp": c.Roles.IDP} {
		for field, v := range map[string]string{
			"backend_authorize_url": role.BackendAuthorizeURL,
			"backend_token_url":     role.BackendTokenURL,
		} {
			if v != "" && !isHTTPURL(v) {
				slog.Error("Invalid backend URL", "field", "roles."+name+"."+field, "value", v)
				return fmt.Errorf("roles.%s.%s must start with http:// or https://, got: %s", name, field, v)
			}
		}
	}

	switch c.Platform.Type {
	case platform.TypeOkta, platform.TypeAuth0:
	default:
		slog.Error("Invalid platform type", "field", "platform.type", "value", c.Platform.Type, "valid_values", []string{platform.TypeOkta, platform.TypeAuth0})
		return fmt.Errorf("platform.type must be %q or %q, got: %q", platform.TypeOkta, platform.TypeAuth0, c.Platform.Type)
	}
	if c.Platform.OrgDomain == "" && c.Platform.APIBaseURL == "" {
		slog.Error("Missing required configuration", "field", "platform.org_domain")
		return errors.New("platform.org_domain is required")
	}
	if c.Platform.ClientID == "" || c.Platform.PrivateKeyFile == "" {
		slog.Error("Missing management API credentials", "fields", []string{"platform.client_id", "platform.private_key_file"})
		return errors.New("platform.client_id and platform.private_key_file are required")
	}
	if c.Platform.Type == platform.TypeOkta && c.Platform.AuthorizationServerID == "" {
		slog.Error("Missing required configuration", "field", "platform.authorization_server_id")
		return errors.New("platform.authorization_server_id is required for okta")
	}
	if c.Platform.Type == platform.TypeAuth0 && c.Platform.CustomDomainBackend == "" {
		slog.Error("Missing required configuration", "field", "platform.custom_domain_backend")
		return errors.New("platform.custom_domain_backend is required for auth0")
	}

	if c.TieredOAuth.RedirectURI != "" && !isHTTPURL(c.TieredOAuth.RedirectURI) {
		slog.Error("Invalid configuration value", "field", "tiered_oauth.redirect_uri", "value", c.TieredOAuth.RedirectURI)
		return fmt.Errorf("tiered_oauth.redirect_uri must start with http:// or https://, got: %s", c.TieredOAuth.RedirectURI)
	}

	switch c.Storage.Backend {
	case "", store.BackendMemory:
		if !c.Server.DevMode {
			slog.Warn("In-memory storage does not survive restarts or scale out", "field", "storage.backend")
		}
	case store.BackendRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			slog.Error("Missing required configuration", "field", "storage.redis.addrs")
			return errors.New("storage.redis.addrs is required for the redis backend")
		}
	case store.BackendDynamoDB:
		if c.Storage.DynamoDB.SanTable == "" || c.Storage.DynamoDB.IdpTable == "" {
			slog.Error("Missing required configuration", "fields", []string{"storage.dynamodb.san_registry_table", "storage.dynamodb.idp_mapping_table"})
			return errors.New("storage.dynamodb table names are required for the dynamodb backend")
		}
	default:
		slog.Error("Invalid storage backend", "field", "storage.backend", "value", c.Storage.Backend)
		return fmt.Errorf("storage.backend must be memory, redis or dynamodb, got: %q", c.Storage.Backend)
	}

	return nil
}
