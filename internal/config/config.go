package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vaultline.yml.
type Config struct {
	Vault struct {
		Path  string `yaml:"path"`
		Store string `yaml:"store"`
	} `yaml:"vault"`
	Owner struct {
		ID string `yaml:"id"`
	} `yaml:"owner"`
	Approvals struct {
		TTL     Duration `yaml:"ttl"`
		Actions []string `yaml:"actions"`
	} `yaml:"approvals"`
	Claims struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"claims"`
	Dashboard struct {
		Writer string `yaml:"writer"`
	} `yaml:"dashboard"`
	Watch struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"watch"`
	Server struct {
		Listen           string         `yaml:"listen"`
		BasePath         string         `yaml:"base_path"`
		JWTSecret        string         `yaml:"jwt_secret"`
		AllowActorHeader bool           `yaml:"allow_actor_header"`
		APIKeys          []APIKeyConfig `yaml:"api_keys"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// APIKeyConfig grants an actor access through the X-Api-Key header.
type APIKeyConfig struct {
	KeyHash string   `yaml:"key_hash"`
	ActorID string   `yaml:"actor_id"`
	Roles   []string `yaml:"roles"`
}

// Duration parses YAML values like "24h" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(n))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// WebhookConfig subscribes a collaborator endpoint to ledger events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	DefaultApprovalTTL = 24 * time.Hour
	DefaultClaimTTL    = 30 * time.Minute
	DefaultInterval    = 10 * time.Second
	StoreFS            = "fs"
	StoreSQLite        = "sqlite"
)

// DefaultActions is the side-effecting action catalog of the executors we
// gate. Extensible via config.
var DefaultActions = []string{
	"send_email",
	"post_linkedin",
	"whatsapp_reply",
	"discord_reply",
	"draft_email",
}

// Load reads and validates config from the vault directory.
func Load(vaultDir string) (*Config, error) {
	path := Path(vaultDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vl init to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(vaultDir string) (*Config, error) {
	data, err := os.ReadFile(Path(vaultDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(vaultDir), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = vaultDir
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Vault.Store {
	case StoreFS, StoreSQLite:
	default:
		return fmt.Errorf("config.vault.store must be %q or %q", StoreFS, StoreSQLite)
	}
	if c.Owner.ID == "" {
		return fmt.Errorf("config.owner.id is required")
	}
	if c.Approvals.TTL <= 0 {
		return fmt.Errorf("config.approvals.ttl must be positive")
	}
	if len(c.Approvals.Actions) == 0 {
		return fmt.Errorf("config.approvals.actions must list at least one action")
	}
	for _, a := range c.Approvals.Actions {
		if a == "" {
			return fmt.Errorf("config.approvals.actions contains an empty action")
		}
	}
	if c.Claims.TTL <= 0 {
		return fmt.Errorf("config.claims.ttl must be positive")
	}
	if c.Dashboard.Writer == "" {
		return fmt.Errorf("config.dashboard.writer is required")
	}
	for i, k := range c.Server.APIKeys {
		if k.KeyHash == "" {
			return fmt.Errorf("config.server.api_keys[%d].key_hash is required", i)
		}
		if k.ActorID == "" {
			return fmt.Errorf("config.server.api_keys[%d].actor_id is required", i)
		}
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ValidAction reports whether an action is in the configured catalog.
func (c *Config) ValidAction(action string) bool {
	for _, a := range c.Approvals.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Path returns the config file path for a vault directory.
func Path(vaultDir string) string {
	if vaultDir == "" {
		vaultDir = "."
	}
	return filepath.Join(vaultDir, "vaultline.yml")
}

// Default returns the default Config for a vault directory.
func Default(vaultDir string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(vaultDir)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(vaultDir string) string {
	if vaultDir == "" {
		vaultDir = "."
	}
	return fmt.Sprintf(defaultTemplate, vaultDir)
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

const defaultTemplate = `vault:
  path: %s
  store: fs

owner:
  id: local-worker

approvals:
  ttl: 24h
  actions:
    - send_email
    - post_linkedin
    - whatsapp_reply
    - discord_reply
    - draft_email

claims:
  ttl: 30m

dashboard:
  writer: local-worker

watch:
  interval: 10s

server:
  listen: ":8484"
  base_path: /v0
  jwt_secret: ""
  allow_actor_header: true
  api_keys: []

webhooks: []
`
