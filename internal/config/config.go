// Package config loads bridge configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MinPollIntervalSeconds is the floor enforced on the notification
	// poll interval to keep load on the Nextcloud server reasonable.
	MinPollIntervalSeconds = 15

	// DefaultTokenRefreshSkewSeconds is how long before expiry a
	// credential is treated as already expired.
	DefaultTokenRefreshSkewSeconds = 60

	defaultPollIntervalSeconds = 60
	defaultRedirectPath        = "/auth/callback"
	defaultPort                = 3978
	defaultDBPath              = "ncbridge.db"
)

// Config is the full bridge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Nextcloud NextcloudConfig `yaml:"nextcloud"`
	Bot       BotConfig       `yaml:"bot"`
	DBPath    string          `yaml:"db_path"`
}

type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type NextcloudConfig struct {
	BaseURL                 string      `yaml:"base_url"`
	PollIntervalSeconds     int         `yaml:"poll_interval_seconds"`
	TokenRefreshSkewSeconds int         `yaml:"token_refresh_skew_seconds"`
	OAuth                   OAuthConfig `yaml:"oauth"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectPath string `yaml:"redirect_path"`
}

type BotConfig struct {
	AppID       string `yaml:"app_id"`
	AppPassword string `yaml:"app_password"`
}

// Load reads the YAML config at path (missing file is fine, env-only
// setups are supported) and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: defaultPort,
		},
		Nextcloud: NextcloudConfig{
			PollIntervalSeconds:     defaultPollIntervalSeconds,
			TokenRefreshSkewSeconds: DefaultTokenRefreshSkewSeconds,
			OAuth: OAuthConfig{
				RedirectPath: defaultRedirectPath,
			},
		},
		DBPath: defaultDBPath,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Nextcloud.PollIntervalSeconds < MinPollIntervalSeconds {
		cfg.Nextcloud.PollIntervalSeconds = MinPollIntervalSeconds
	}
	if cfg.Nextcloud.TokenRefreshSkewSeconds <= 0 {
		cfg.Nextcloud.TokenRefreshSkewSeconds = DefaultTokenRefreshSkewSeconds
	}
	if cfg.Nextcloud.OAuth.RedirectPath == "" {
		cfg.Nextcloud.OAuth.RedirectPath = defaultRedirectPath
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.Nextcloud.BaseURL, "NEXTCLOUD_BASE_URL")
	setInt(&cfg.Nextcloud.PollIntervalSeconds, "NEXTCLOUD_POLL_INTERVAL")
	setInt(&cfg.Nextcloud.TokenRefreshSkewSeconds, "NEXTCLOUD_TOKEN_REFRESH_SKEW")
	setString(&cfg.Nextcloud.OAuth.ClientID, "NEXTCLOUD_OAUTH_CLIENT_ID")
	setString(&cfg.Nextcloud.OAuth.ClientSecret, "NEXTCLOUD_OAUTH_CLIENT_SECRET")
	setString(&cfg.Nextcloud.OAuth.RedirectPath, "NEXTCLOUD_OAUTH_REDIRECT_PATH")
	setString(&cfg.Bot.AppID, "BOT_APP_ID")
	setString(&cfg.Bot.AppPassword, "BOT_APP_PASSWORD")
	setString(&cfg.DBPath, "DB_PATH")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks that everything the scheduler depends on is present.
// A failing Validate is fatal: the process must not start polling with
// a broken remote configuration.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.Nextcloud.BaseURL)
	if base == "" {
		return fmt.Errorf("nextcloud base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("nextcloud base_url %q is not an absolute URL", base)
	}
	if c.Nextcloud.OAuth.ClientID == "" || c.Nextcloud.OAuth.ClientSecret == "" {
		return fmt.Errorf("nextcloud oauth client_id and client_secret are required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	return nil
}

// RedirectURL is the absolute OAuth redirect URI handed to Nextcloud.
func (c *Config) RedirectURL() string {
	base := c.Server.PublicBaseURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	return strings.TrimRight(base, "/") + c.Nextcloud.OAuth.RedirectPath
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
