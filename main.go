package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"udapgw/client"
	"udapgw/server"
	"udapgw/udap"
)

func main() {
	configPath := flag.String("config", os.Getenv("UDAPGW_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "discover" {
		command = "discover"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "discover" {
		if len(commandArgs) == 0 {
			log.Fatalf("usage: %s [--config path] discover <idp-uri>", os.Args[0])
		}
		idpURI := commandArgs[0]
		anchor, cred, err := server.LoadTrust(cfg.UDAP)
		if err != nil {
			log.Fatalf("load trust material: %v", err)
		}
		c := client.New(client.Config{
			SAN:        cfg.UDAP.ServerSAN,
			Credential: cred,
			Algorithm:  cfg.UDAP.SigningAlgorithm,
			Validator:  udap.NewValidator(anchor),
			HTTPClient: &http.Client{Timeout: cfg.Server.OutboundTimeout},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runDiscover(ctx, c, logger, idpURI); err != nil {
			logger.Error("idp discovery failed", "idp", idpURI, "error", err)
			os.Exit(1)
		}
		logger.Info("idp discovery succeeded", "idp", idpURI)
		return
	}

	// Validate URLs are reachable on startup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		// Build TLS cache path from secrets directory
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runDiscover performs the trust checks tiered OAuth runs against an
// upstream IDP, without registering.
func runDiscover(ctx context.Context, c *client.Client, logger *slog.Logger, idpURI string) error {
	if idpURI == "" {
		return errors.New("idp uri required")
	}
	logger.Info("discover.start", "idp", idpURI)

	disc, err := c.DiscoverMetadata(ctx, idpURI)
	if err != nil {
		return fmt.Errorf("udap metadata: %w", err)
	}
	logger.Info("discover.metadata",
		"idp", idpURI,
		"authorization_endpoint", disc.Signed.AuthorizationEndpoint,
		"token_endpoint", disc.Signed.TokenEndpoint,
		"registration_endpoint", disc.Metadata.RegistrationEndpoint,
		"profiles", disc.Metadata.UDAPProfilesSupported,
	)
	if !disc.Metadata.SupportsProfile("udap_dcr") {
		logger.Warn("discover.no_dcr", "idp", idpURI, "message", "IDP does not advertise udap_dcr; registration will likely fail")
	}

	oidcCfg, err := c.DiscoverOIDC(ctx, idpURI)
	if err != nil {
		return fmt.Errorf("openid configuration: %w", err)
	}
	logger.Info("discover.oidc", "idp", idpURI, "issuer", oidcCfg.Issuer, "userinfo_endpoint", oidcCfg.UserInfoEndpoint, "jwks_uri", oidcCfg.JWKSURI)
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for name, target := range dependencyURLs(cfg) {
		if err := validateURL(ctx, target); err != nil {
			logger.Error("URL validation failed", "name", name, "url", target, "error", err)
		} else {
			logger.Info("URL is reachable", "name", name, "url", target)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	// Non-blocking, just warnings
	for name, target := range dependencyURLs(cfg) {
		if err := validateURL(ctx, target); err != nil {
			logger.Warn("URL may not be reachable",
				"name", name,
				"url", target,
				"error", err,
				"note", "server will continue but requests depending on it may fail")
		} else {
			logger.Debug("URL is reachable", "name", name, "url", target)
		}
	}
}

// dependencyURLs lists the outbound URLs the gateway depends on.
func dependencyURLs(cfg server.Config) map[string]string {
	out := map[string]string{
		"dataholder.backend_authorize_url": cfg.Roles.DataHolder.BackendAuthorizeURL,
	}
	if cfg.Roles.IDP.Enabled() {
		out["idp.backend_authorize_url"] = cfg.Roles.IDP.BackendAuthorizeURL
	}
	if cfg.FHIR.BaseURL != "" {
		out["fhir.udap_metadata"] = strings.TrimRight(cfg.FHIR.BaseURL, "/") + "/.well-known/udap"
	}
	return out
}

// validateURL reports whether the URL answers without a server error. A
// backend authorize endpoint answers 4xx to a bare request.
func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}

	return nil
}

func runSetup(path string, in io.Reader, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for a UDAP gateway. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	defaultURL := cfg.Server.PublicURL
	if !devMode {
		defaultURL = "https://fhir.example.org"
	}
	publicURL := strings.TrimSuffix(ask(reader, "Gateway public URL (must match the certificate SAN)", defaultURL), "/")
	if publicURL == "" {
		publicURL = defaultURL
	}
	cfg.Server.PublicURL = publicURL

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, "Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domains := askRequired(reader, "Public domains, comma separated (e.g. fhir.example.org)")
		cfg.Server.TLS.Domains = normalizeList(domains, nil)
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.UDAP.CommunityCert = ask(reader, "Community trust anchor PEM", "certs/anchor.pem")
	cfg.UDAP.ServerKey = ask(reader, "Server PKCS#12 credential", "certs/server.p12")
	cfg.UDAP.ServerKeyPassword = ask(reader, "PKCS#12 password", "")
	cfg.FHIR.BaseURL = ask(reader, "FHIR server base URL (blank to advertise gateway metadata)", "")

	cfg.Platform.Type = ask(reader, "Identity platform (okta or auth0)", cfg.Platform.Type)
	cfg.Platform.OrgDomain = askRequired(reader, "Platform org domain (e.g. example.okta.com)")
	cfg.Platform.ClientID = askRequired(reader, "Management API client ID")
	cfg.Platform.PrivateKeyFile = ask(reader, "Management API private key file", "certs/management.pem")

	var backendBase string
	switch cfg.Platform.Type {
	case "auth0":
		cfg.Platform.CustomDomainBackend = askRequired(reader, "Auth0 custom domain serving the backend")
		backendBase = "https://" + cfg.Platform.CustomDomainBackend
		cfg.Roles.DataHolder.BackendAuthorizeURL = backendBase + "/authorize"
		cfg.Roles.DataHolder.BackendTokenURL = backendBase + "/oauth/token"
	default:
		cfg.Platform.AuthorizationServerID = ask(reader, "Okta authorization server ID", "default")
		backendBase = "https://" + cfg.Platform.OrgDomain + "/oauth2/" + cfg.Platform.AuthorizationServerID
		cfg.Roles.DataHolder.BackendAuthorizeURL = backendBase + "/v1/authorize"
		cfg.Roles.DataHolder.BackendTokenURL = backendBase + "/v1/token"
	}

	contacts := ask(reader, "Tiered OAuth contacts, comma separated", "")
	cfg.TieredOAuth.Contacts = normalizeList(contacts, nil)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path, "platform", cfg.Platform.Type)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
