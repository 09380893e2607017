package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly time.Duration ("47h", "90s", ...).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models soundline.yml.
type Config struct {
	Server struct {
		BaseURL string   `yaml:"base_url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"server"`
	OAuth struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"oauth"`
	Registration struct {
		Email        string `yaml:"email"`
		PasswordSeed string `yaml:"password_seed"`
	} `yaml:"registration"`
	Submission struct {
		Cooldown  Duration `yaml:"cooldown"`
		EntryType string   `yaml:"entry_type"`
		Locale    string   `yaml:"locale"`
	} `yaml:"submission"`
	Location struct {
		Mode      string  `yaml:"mode"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
		Accuracy  float64 `yaml:"accuracy"`
	} `yaml:"location"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config.server.base_url is required")
	}
	if c.OAuth.ClientID == "" {
		return fmt.Errorf("config.oauth.client_id is required")
	}
	if c.OAuth.ClientSecret == "" {
		return fmt.Errorf("config.oauth.client_secret is required")
	}
	if c.Registration.Email == "" {
		return fmt.Errorf("config.registration.email is required")
	}
	if c.Submission.Cooldown <= 0 {
		return fmt.Errorf("config.submission.cooldown must be positive")
	}
	switch c.Location.Mode {
	case "", "none", "static":
	default:
		return fmt.Errorf("config.location.mode must be 'none' or 'static'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "soundline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  base_url: http://127.0.0.1:8080
  timeout: 30s

oauth:
  client_id: soundline-app
  client_secret: change-me

registration:
  email: participant@soundline.local
  password_seed: change-me-too

submission:
  # Two days less an hour, so a "same time every other day" habit
  # never bounces off the gate.
  cooldown: 47h
  entry_type: production-entry
  locale: en

location:
  mode: none
  latitude: 0
  longitude: 0
  accuracy: 0
`
