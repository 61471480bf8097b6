package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"portierd/broker"
)

// Hardcoded lifetime defaults
const (
	DefaultTokenTTL       = 10 * time.Minute
	DefaultSessionTTL     = 15 * time.Minute
	DefaultCacheTTL       = time.Hour
	DefaultRotateInterval = 6 * time.Hour
)

// Config captures the full broker configuration loaded from YAML and
// environment variables.
type Config struct {
	Server          ServerConfig     `yaml:"server"`
	Google          GoogleConfig     `yaml:"google"`
	Keys            KeysConfig       `yaml:"keys"`
	Store           StoreConfig      `yaml:"store"`
	DomainOverrides []DomainOverride `yaml:"domain_overrides"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	AllowInsecure   bool      `yaml:"allow_insecure"`
	SecretsPath     string    `yaml:"secrets_path"`
	TokenTTL        string    `yaml:"token_ttl"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// GoogleConfig enables the Google webfinger relation.
type GoogleConfig struct {
	ClientID string `yaml:"client_id"`
}

// KeysConfig controls the signing key material. Without keyfiles the broker
// generates and rotates its own keys under the secrets path.
type KeysConfig struct {
	Keyfiles       []string `yaml:"keyfiles"`
	RotateInterval string   `yaml:"rotate_interval"`
}

// StoreConfig selects the session and cache backend. An empty redis_url
// keeps everything in process memory.
type StoreConfig struct {
	RedisURL   string `yaml:"redis_url"`
	SessionTTL string `yaml:"session_ttl"`
	CacheTTL   string `yaml:"cache_ttl"`
}

// DomainOverride pins an email domain to a fixed provider link, skipping
// webfinger discovery.
type DomainOverride struct {
	Domain string `yaml:"domain"`
	Rel    string `yaml:"rel"`
	Href   string `yaml:"href"`
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
	cfg.Server.PublicURL = strings.TrimSuffix(cfg.Server.PublicURL, "/")

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:3333",
			DevListenAddr:   "127.0.0.1:3333",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains: []string{"localhost"},
				Email:   "",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
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
		"BROKER_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"BROKER_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"BROKER_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"BROKER_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"BROKER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BROKER_ALLOW_INSECURE":       func(v string) { cfg.Server.AllowInsecure = parseBool(v, cfg.Server.AllowInsecure) },
		"BROKER_SECRETS_PATH":         func(v string) { cfg.Server.SecretsPath = v },
		"BROKER_TOKEN_TTL":            func(v string) { cfg.Server.TokenTTL = v },
		"BROKER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BROKER_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"BROKER_GOOGLE_CLIENT_ID":     func(v string) { cfg.Google.ClientID = v },
		"BROKER_KEYFILES":             func(v string) { cfg.Keys.Keyfiles = splitAndTrim(v) },
		"BROKER_KEYS_ROTATE_INTERVAL": func(v string) { cfg.Keys.RotateInterval = v },
		"BROKER_REDIS_URL":            func(v string) { cfg.Store.RedisURL = v },
		"BROKER_SESSION_TTL":          func(v string) { cfg.Store.SessionTTL = v },
		"BROKER_CACHE_TTL":            func(v string) { cfg.Store.CacheTTL = v },
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

// TokenTTL returns the identity token lifetime.
func (c Config) TokenTTL() time.Duration {
	return parseDuration(c.Server.TokenTTL, DefaultTokenTTL)
}

// SessionTTL returns how long a login attempt may stay in flight.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Store.SessionTTL, DefaultSessionTTL)
}

// CacheTTL returns the fallback lifetime for cached upstream documents.
func (c Config) CacheTTL() time.Duration {
	return parseDuration(c.Store.CacheTTL, DefaultCacheTTL)
}

// KeyRotateInterval returns the signing key rotation interval.
func (c Config) KeyRotateInterval() time.Duration {
	return parseDuration(c.Keys.RotateInterval, DefaultRotateInterval)
}

// OverrideLinks converts the domain override entries into resolver form.
func (c Config) OverrideLinks() (map[string][]broker.Link, error) {
	if len(c.DomainOverrides) == 0 {
		return nil, nil
	}
	links := make(map[string][]broker.Link)
	for i, override := range c.DomainOverrides {
		rel, err := broker.ParseRelation(override.Rel)
		if err != nil {
			return nil, fmt.Errorf("domain_overrides[%d]: %w", i, err)
		}
		links[override.Domain] = append(links[override.Domain], broker.Link{
			Rel:  rel,
			Href: override.Href,
		})
	}
	return links, nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && !c.Server.AllowInsecure && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be https in production")
		return errors.New("server.public_url must use https in production")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	for _, field := range []struct{ name, value string }{
		{"server.token_ttl", c.Server.TokenTTL},
		{"keys.rotate_interval", c.Keys.RotateInterval},
		{"store.session_ttl", c.Store.SessionTTL},
		{"store.cache_ttl", c.Store.CacheTTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			slog.Error("Invalid duration in configuration", "field", field.name, "value", field.value)
			return fmt.Errorf("%s: invalid duration '%s': %w", field.name, field.value, err)
		}
	}

	for i, path := range c.Keys.Keyfiles {
		if strings.TrimSpace(path) == "" {
			slog.Error("Empty keyfile path", "index", i)
			return fmt.Errorf("keys.keyfiles[%d] is empty", i)
		}
	}

	for i, override := range c.DomainOverrides {
		if override.Domain == "" {
			slog.Error("Domain override missing domain", "index", i)
			return fmt.Errorf("domain_overrides[%d]: domain is required", i)
		}
		if _, err := broker.ParseRelation(override.Rel); err != nil {
			slog.Error("Domain override has unknown rel", "index", i, "rel", override.Rel)
			return fmt.Errorf("domain_overrides[%d]: %w", i, err)
		}
		if !strings.HasPrefix(override.Href, "http://") && !strings.HasPrefix(override.Href, "https://") {
			slog.Error("Invalid domain override href", "index", i, "href", override.Href, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("domain_overrides[%d]: href must start with http:// or https://, got: %s", i, override.Href)
		}
	}

	return nil
}
