package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "heroinit.yml"

// Config models heroinit.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Publish struct {
		Redis RedisConfig `yaml:"redis"`
	} `yaml:"publish"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Rules    struct {
		PostTwelveRecovery bool `yaml:"post_twelve_recovery"`
	} `yaml:"rules"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Roster []RosterEntry `yaml:"roster"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
	// TTLSeconds expires the latest-snapshot key; 0 keeps it.
	TTLSeconds int `yaml:"ttl_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// RosterEntry is one combatant of a prepared encounter. Counters use the
// "cur/max" or bare "max" notation.
type RosterEntry struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Speed       int    `yaml:"spd"`
	Dex         int    `yaml:"dex"`
	Stun        string `yaml:"stun"`
	Body        string `yaml:"body"`
	End         string `yaml:"end"`
	Kind        string `yaml:"kind"`
	Status      string `yaml:"status"`
	Recovery    int    `yaml:"rec"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with heroinit init", path)
	}
	return cfg, err
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Publish.Redis.Prefix == "" {
		c.Publish.Redis.Prefix = "heroinit:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Roster {
		if c.Roster[i].Kind == "" {
			c.Roster[i].Kind = "PC"
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json (got %q)", c.Log.Format)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	seen := make(map[string]struct{}, len(c.Roster))
	for i, entry := range c.Roster {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return fmt.Errorf("config.roster[%d].name is required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("config.roster has duplicate name %s", name)
		}
		seen[name] = struct{}{}
		if entry.Speed < 0 || entry.Speed > 12 {
			return fmt.Errorf("roster %s: spd %d outside 0..12", name, entry.Speed)
		}
		if entry.Recovery < 0 {
			return fmt.Errorf("roster %s: rec must not be negative", name)
		}
		switch strings.ToUpper(entry.Kind) {
		case "PC", "NPC":
		default:
			return fmt.Errorf("roster %s: kind must be PC or NPC", name)
		}
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

// LoadRoster reads a standalone roster file: a YAML list of entries, or a
// document with a top-level roster key.
func LoadRoster(path string) ([]RosterEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []RosterEntry
	if err := yaml.Unmarshal(data, &list); err != nil {
		var doc struct {
			Roster []RosterEntry `yaml:"roster"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("invalid roster yaml: %w", err)
		}
		list = doc.Roster
	}
	cfg := Default()
	cfg.Roster = list
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.Roster, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # jwt_secret enables the command endpoints (role claim "gm").
  jwt_secret: ""

journal:
  # empty keeps the event journal in memory
  path: ""

publish:
  redis:
    addr: ""
    prefix: "heroinit:"
    ttl_seconds: 0

webhooks: []

rules:
  post_twelve_recovery: false

log:
  level: info
  format: text

roster: []
`
