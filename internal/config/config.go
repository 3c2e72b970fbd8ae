package config

import (
	"encoding/json"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Endpoint holds one IMAP account's connection settings.
type Endpoint struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password"`
	StartTLS    bool   `json:"starttls"`
	InsecureTLS bool   `json:"insecure_tls"`
}

// Config mirrors config.json: a source and a destination account.
type Config struct {
	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`
}

// Env var names that override passwords from the file, so credentials can
// stay out of config.json. A .env next to the working directory is loaded
// first, best effort.
const (
	EnvSourcePassword      = "IMAPSYNC_SRC_PASSWORD"
	EnvDestinationPassword = "IMAPSYNC_DST_PASSWORD"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Load reads, overrides and validates the configuration. It fails fast:
// nothing connects before this returns cleanly.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "read %s: %v", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "parse %s: %v", path, err)
	}
	if v := os.Getenv(EnvSourcePassword); v != "" {
		cfg.Source.Password = v
	}
	if v := os.Getenv(EnvDestinationPassword); v != "" {
		cfg.Destination.Password = v
	}
	cfg.Source.applyDefaults()
	cfg.Destination.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Endpoint) applyDefaults() {
	if e.Port == 0 {
		if e.StartTLS {
			e.Port = 143
		} else {
			e.Port = 993
		}
	}
}

// Validate checks that both endpoints are complete. Passwords may be empty
// here; the CLI prompts for missing ones before dialing.
func (c *Config) Validate() error {
	for _, ep := range []struct {
		name string
		e    *Endpoint
	}{
		{"source", &c.Source},
		{"destination", &c.Destination},
	} {
		if ep.e.Host == "" {
			return errors.Wrapf(ErrInvalid, "%s.host is required", ep.name)
		}
		if ep.e.User == "" {
			return errors.Wrapf(ErrInvalid, "%s.user is required", ep.name)
		}
		if ep.e.Port < 1 || ep.e.Port > 65535 {
			return errors.Wrapf(ErrInvalid, "%s.port %d out of range", ep.name, ep.e.Port)
		}
	}
	return nil
}
