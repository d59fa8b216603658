// Package config provides YAML-based configuration loading for casewire.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level casewire configuration, loaded from casewire.yaml.
// Secrets may be supplied through CASEWIRE_* environment variables instead
// of the file.
type Config struct {
	Domain         string          `yaml:"domain" env:"CASEWIRE_DOMAIN"`
	SupportMailbox string          `yaml:"support_mailbox"`
	ChatURL        string          `yaml:"chat_url"`
	Product        string          `yaml:"product"`
	Database       DatabaseConfig  `yaml:"database"`
	HTTP           HTTPConfig      `yaml:"http"`
	SMTP           SMTPConfig      `yaml:"smtp"`
	Limits         LimitsConfig    `yaml:"limits"`
	Responder      ResponderConfig `yaml:"responder"`
	Mailgun        MailgunConfig   `yaml:"mailgun"`
	Telegraph      TelegraphConfig `yaml:"telegraph"`
	Registry       RegistryConfig  `yaml:"registry"`
}

// DatabaseConfig selects and addresses the history store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"CASEWIRE_DB_PASSWORD"`
}

// HTTPConfig configures the realtime and control surface.
type HTTPConfig struct {
	Port           int      `yaml:"port" env:"CASEWIRE_HTTP_PORT"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SMTPConfig configures the inbound SMTP listener.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Hostname string `yaml:"hostname"`
}

// LimitsConfig bounds inbound email.
type LimitsConfig struct {
	MaxEmailBytes int `yaml:"max_email_bytes"`
	EmailsPerHour int `yaml:"emails_per_hour"`
	EmailBurst    int `yaml:"email_burst"`
}

// ResponderConfig selects the language model behind automated replies.
type ResponderConfig struct {
	Provider     string `yaml:"provider"` // "openai" (default) or "anthropic"
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key" env:"CASEWIRE_RESPONDER_API_KEY"`
	BaseURL      string `yaml:"base_url"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// MailgunConfig holds outbound relay credentials.
type MailgunConfig struct {
	Domain  string `yaml:"domain"`
	APIKey  string `yaml:"api_key" env:"CASEWIRE_MAILGUN_API_KEY"`
	BaseURL string `yaml:"base_url"`
}

// TelegraphConfig configures operator notifications. An empty platform
// disables them.
type TelegraphConfig struct {
	Platform        string `yaml:"platform"` // "", "slack" or "discord"
	Channel         string `yaml:"channel"`
	SlackBotToken   string `yaml:"slack_bot_token" env:"CASEWIRE_SLACK_BOT_TOKEN"`
	DiscordBotToken string `yaml:"discord_bot_token" env:"CASEWIRE_DISCORD_BOT_TOKEN"`
}

// RegistryConfig controls idle case-actor eviction and turn limits.
type RegistryConfig struct {
	SweepSchedule  string `yaml:"sweep_schedule"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
	TurnTimeoutSec int    `yaml:"turn_timeout_sec"` // 0: no limit beyond the clients'
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.SupportMailbox == "" {
		c.SupportMailbox = "support"
	}
	if c.ChatURL == "" && c.Domain != "" {
		c.ChatURL = "https://" + c.Domain + "/chat"
	}
	if c.Product == "" {
		c.Product = "our product"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "casewire.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "casewire"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if c.SMTP.Addr == "" {
		c.SMTP.Addr = ":2525"
	}
	if c.SMTP.Hostname == "" {
		c.SMTP.Hostname = c.Domain
	}

	if c.Limits.MaxEmailBytes == 0 {
		c.Limits.MaxEmailBytes = 15000
	}
	if c.Limits.EmailsPerHour == 0 {
		c.Limits.EmailsPerHour = 20
	}
	if c.Limits.EmailBurst == 0 {
		c.Limits.EmailBurst = 5
	}

	if c.Responder.Provider == "" {
		c.Responder.Provider = "openai"
	}
	if c.Responder.MaxTokens == 0 {
		c.Responder.MaxTokens = 1024
	}
	if c.Mailgun.BaseURL == "" {
		c.Mailgun.BaseURL = "https://api.mailgun.net"
	}

	if c.Registry.SweepSchedule == "" {
		c.Registry.SweepSchedule = "@every 5m"
	}
	if c.Registry.IdleTimeoutSec == 0 {
		c.Registry.IdleTimeoutSec = 900
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Domain == "" {
		errs = append(errs, "domain is required")
	}
	if strings.Contains(c.SupportMailbox, "@") {
		errs = append(errs, "support_mailbox must be a local part without @")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Responder.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Sprintf("responder.provider %q is not supported", c.Responder.Provider))
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack", "discord":
		if c.Telegraph.Channel == "" {
			errs = append(errs, "telegraph.channel is required when telegraph.platform is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q is not supported", c.Telegraph.Platform))
	}
	if c.Limits.MaxEmailBytes < 0 {
		errs = append(errs, "limits.max_email_bytes must be positive")
	}
	if c.Limits.EmailsPerHour < 0 || c.Limits.EmailBurst < 0 {
		errs = append(errs, "limits.emails_per_hour and limits.email_burst must be positive")
	}
	if c.Registry.IdleTimeoutSec < 0 {
		errs = append(errs, "registry.idle_timeout_sec must be positive")
	}
	if c.Registry.TurnTimeoutSec < 0 {
		errs = append(errs, "registry.turn_timeout_sec must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
