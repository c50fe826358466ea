// Package config loads the client configuration from a JSON file with env
// var references, falling back to TOKENFRONT_* environment variables for
// fields the file omits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration parses from JSON as a Go duration string ("5m") or as seconds
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		parsed, perr := time.ParseDuration(str)
		if perr != nil {
			return fmt.Errorf("parsing duration %q: %w", str, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Value() time.Duration { return time.Duration(d) }

// Config describes the authorization server, this client, and where state
// lives on disk
type Config struct {
	AuthBaseURL string `json:"authBaseURL"`
	ClientID    string `json:"clientID"`
	RedirectURI string `json:"redirectURI"`
	Scope       string `json:"scope,omitempty"`
	APIBaseURL  string `json:"apiBaseURL,omitempty"`

	// StateDir holds session metadata, flow state, and the broadcast spool.
	// Defaults to ~/.tokenfront.
	StateDir string `json:"stateDir,omitempty"`

	SessionWindow Duration `json:"sessionWindow,omitempty"`
	HTTPTimeout   Duration `json:"httpTimeout,omitempty"`

	LogLevel  string `json:"logLevel,omitempty"`
	LogFormat string `json:"logFormat,omitempty"`
}

type rawConfig struct {
	AuthBaseURL   json.RawMessage `json:"authBaseURL"`
	ClientID      json.RawMessage `json:"clientID"`
	RedirectURI   json.RawMessage `json:"redirectURI"`
	Scope         json.RawMessage `json:"scope"`
	APIBaseURL    json.RawMessage `json:"apiBaseURL"`
	StateDir      json.RawMessage `json:"stateDir"`
	SessionWindow Duration        `json:"sessionWindow"`
	HTTPTimeout   Duration        `json:"httpTimeout"`
	LogLevel      string          `json:"logLevel"`
	LogFormat     string          `json:"logFormat"`
}

// Load reads a JSON config file. A missing path is not an error when every
// required field is available from the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		var raw rawConfig
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}

		fields := []struct {
			name string
			raw  json.RawMessage
			dst  *string
		}{
			{"authBaseURL", raw.AuthBaseURL, &cfg.AuthBaseURL},
			{"clientID", raw.ClientID, &cfg.ClientID},
			{"redirectURI", raw.RedirectURI, &cfg.RedirectURI},
			{"scope", raw.Scope, &cfg.Scope},
			{"apiBaseURL", raw.APIBaseURL, &cfg.APIBaseURL},
			{"stateDir", raw.StateDir, &cfg.StateDir},
		}
		for _, f := range fields {
			if f.raw == nil {
				continue
			}
			value, err := parseConfigValue(f.raw)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", f.name, err)
			}
			*f.dst = value
		}
		cfg.SessionWindow = raw.SessionWindow
		cfg.HTTPTimeout = raw.HTTPTimeout
		cfg.LogLevel = raw.LogLevel
		cfg.LogFormat = raw.LogFormat
	}

	applyEnvFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvFallbacks(cfg *Config) {
	fallbacks := []struct {
		env string
		dst *string
	}{
		{"TOKENFRONT_AUTH_BASE_URL", &cfg.AuthBaseURL},
		{"TOKENFRONT_CLIENT_ID", &cfg.ClientID},
		{"TOKENFRONT_REDIRECT_URI", &cfg.RedirectURI},
		{"TOKENFRONT_SCOPE", &cfg.Scope},
		{"TOKENFRONT_API_BASE_URL", &cfg.APIBaseURL},
		{"TOKENFRONT_STATE_DIR", &cfg.StateDir},
	}
	for _, f := range fallbacks {
		if *f.dst == "" {
			if v := os.Getenv(f.env); v != "" {
				*f.dst = v
			}
		}
	}
}

// Validate fills defaults and rejects configs missing required fields
func (c *Config) Validate() error {
	if c.AuthBaseURL == "" {
		return fmt.Errorf("authBaseURL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("clientID is required")
	}
	if c.RedirectURI == "" {
		c.RedirectURI = "http://localhost:8765/callback"
	}
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for state dir: %w", err)
		}
		c.StateDir = filepath.Join(home, ".tokenfront")
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = Duration(30 * time.Second)
	}
	return nil
}

// parseConfigValue accepts a plain string or a {"$env": "VAR"} reference
func parseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return "", fmt.Errorf("environment variable %s not set", envVar)
		}
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return value, nil
	}

	return "", fmt.Errorf("unknown reference type in config value")
}
