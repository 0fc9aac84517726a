package manifest

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level gateway manifest.
type Config struct {
	Server   Server   `toml:"server"`
	Gateway  Gateway  `toml:"gateway"`
	Registry Registry `toml:"registry"`
	Log      Log      `toml:"log"`
	Auth     Auth     `toml:"auth"`
	Metrics  Metrics  `toml:"metrics"`
	Apps     []App    `toml:"app"`
	Rules    []Rule   `toml:"rule"`
}

type Server struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Socket  string `toml:"socket"` // coordinator control socket
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
}

type Gateway struct {
	DefaultApp     string   `toml:"default_app"`
	APIPrefix      string   `toml:"api_prefix"`
	HealthSuffix   string   `toml:"health_suffix"`
	WSPath         string   `toml:"ws_path"`
	BootWaitMS     int      `toml:"boot_wait_ms"`
	StaticDir      string   `toml:"static_dir"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type Registry struct {
	CooldownMS    int `toml:"cooldown_ms"`
	CooldownMaxMS int `toml:"cooldown_max_ms"`
	BootTimeoutMS int `toml:"boot_timeout_ms"`
}

type Log struct {
	Dir       string   `toml:"dir"`
	Level     string   `toml:"level"`
	Console   bool     `toml:"console"`
	BodyPaths []string `toml:"body_paths"`
}

type Auth struct {
	AssertionCookie string `toml:"assertion_cookie"`
	AssertionHeader string `toml:"assertion_header"`
	PublicKeyFile   string `toml:"public_key_file"`
	Issuer          string `toml:"issuer"`
	Audience        string `toml:"audience"`
	LeewaySeconds   int    `toml:"leeway_seconds"`
	AdminRole       string `toml:"admin_role"`
	DevBypass       bool   `toml:"dev_bypass"`
}

type Metrics struct {
	Disabled bool   `toml:"disabled"`
	Path     string `toml:"path"`
}

// Default returns the configuration used when no manifest file exists.
func Default() Config {
	c := Config{}
	c.normalize()
	return c
}

// Parse decodes and validates a manifest.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("manifest: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path; a missing file yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func (c *Config) normalize() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 13000
	}
	if c.Gateway.DefaultApp == "" {
		c.Gateway.DefaultApp = "main"
	}
	if c.Gateway.APIPrefix == "" {
		c.Gateway.APIPrefix = "/api"
	}
	if !strings.HasPrefix(c.Gateway.APIPrefix, "/") {
		c.Gateway.APIPrefix = "/" + c.Gateway.APIPrefix
	}
	if c.Gateway.HealthSuffix == "" {
		c.Gateway.HealthSuffix = "/__health_check"
	}
	if c.Gateway.WSPath == "" {
		c.Gateway.WSPath = "/ws"
	}
	if c.Registry.CooldownMS == 0 {
		c.Registry.CooldownMS = 1000
	}
	if c.Registry.CooldownMaxMS == 0 {
		c.Registry.CooldownMaxMS = 30000
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Auth.LeewaySeconds == 0 {
		c.Auth.LeewaySeconds = 60
	}
}

// Validate normalizes defaults and checks cross references.
func (c *Config) Validate() error {
	c.normalize()

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Gateway.BootWaitMS < 0 {
		return errors.New("gateway.boot_wait_ms must be >= 0")
	}
	if c.Registry.CooldownMS < 0 || c.Registry.CooldownMaxMS < c.Registry.CooldownMS {
		return errors.New("registry.cooldown_ms must be >= 0 and <= cooldown_max_ms")
	}
	if c.Registry.BootTimeoutMS < 0 {
		return errors.New("registry.boot_timeout_ms must be >= 0")
	}

	seen := make(map[string]bool, len(c.Apps))
	for i := range c.Apps {
		if err := c.Apps[i].normalize(); err != nil {
			return fmt.Errorf("app %d: %w", i, err)
		}
		if seen[c.Apps[i].Name] {
			return fmt.Errorf("app %q declared twice", c.Apps[i].Name)
		}
		seen[c.Apps[i].Name] = true
		if err := c.Apps[i].validate(); err != nil {
			return fmt.Errorf("app %q: %w", c.Apps[i].Name, err)
		}
	}
	if err := ValidateRules(c.Rules); err != nil {
		return err
	}
	return nil
}

// App returns the declared app called name.
func (c *Config) App(name string) (App, bool) {
	for _, a := range c.Apps {
		if a.Name == name {
			return a, true
		}
	}
	return App{}, false
}

// ApplyEnv overrides scalar settings from the environment.
func (c *Config) ApplyEnv(prefix string) {
	c.Server.Host = envOr(prefix+"HOST", c.Server.Host)
	if p, err := strconv.Atoi(envOr(prefix+"PORT", "")); err == nil {
		c.Server.Port = p
	}
	c.Server.Socket = envOr("GATEWAY_SOCKET_PATH", c.Server.Socket)
	if v := os.Getenv("AUTH_DEV_BYPASS"); v != "" {
		c.Auth.DevBypass = v == "true"
	}
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
