package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig               `yaml:"log"`
	Database        DatabaseConfig          `yaml:"database"`
	Services        ServicesConfig          `yaml:"services"`
	EventBus        EventBusConfig          `yaml:"eventbus"`
	HTTP            HTTPConfig              `yaml:"http"`
	MQTT            MQTTConfig              `yaml:"mqtt"`
	Hue             HueConfig               `yaml:"hue"`
	Ledger          LedgerConfig            `yaml:"ledger"`
	Templates       TemplatesConfig         `yaml:"templates"`
	Groups          map[string]GroupConfig  `yaml:"groups"`
	Switches        map[string]SwitchConfig `yaml:"switches"`
	Scenes          []SceneConfig           `yaml:"scenes"`
	ShutdownTimeout Duration                `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServicesConfig contains service bus settings
type ServicesConfig struct {
	CallTimeout Duration `yaml:"call_timeout"` // Bound on a single blocking call
	QueueSize   int      `yaml:"queue_size"`   // Pending non-blocking calls
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// HTTPConfig contains API server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	TopicPrefix    string   `yaml:"topic_prefix"`
	QoS            int      `yaml:"qos"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// HueConfig contains Hue bridge connection settings
type HueConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Bridge       string   `yaml:"bridge"`
	Token        string   `yaml:"token"`
	PollInterval Duration `yaml:"poll_interval"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"`
}

// LedgerConfig contains service ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// TemplatesConfig contains template rendering settings
type TemplatesConfig struct {
	QuietPeriod Duration `yaml:"quiet_period"` // Coalesce re-renders; zero renders on every change
}

// GroupConfig defines an entity group
type GroupConfig struct {
	Name     string   `yaml:"name"`
	Entities []string `yaml:"entities"`
}

// ScriptStep is one step of a service-call script
type ScriptStep struct {
	Service   string         `yaml:"service"`
	Data      map[string]any `yaml:"data"`
	Target    *TargetConfig  `yaml:"target"`
	Delay     Duration       `yaml:"delay"`
	Condition string         `yaml:"condition"`
}

// TargetConfig selects service call targets
type TargetConfig struct {
	EntityID StringList `yaml:"entity_id"`
}

// SwitchConfig defines a template switch
type SwitchConfig struct {
	FriendlyName  string       `yaml:"friendly_name"`
	UniqueID      string       `yaml:"unique_id"`
	ValueTemplate string       `yaml:"value_template"`
	TurnOn        []ScriptStep `yaml:"turn_on"`
	TurnOff       []ScriptStep `yaml:"turn_off"`
}

// SceneConfig defines a scene as a set of desired entity states
type SceneConfig struct {
	Name     string                       `yaml:"name"`
	ID       string                       `yaml:"id"`
	Entities map[string]SceneEntityConfig `yaml:"entities"`
}

// SceneEntityConfig is either a bare state string or a mapping with a state key
// plus attributes.
type SceneEntityConfig struct {
	State      string
	Attributes map[string]any
}

// UnmarshalYAML implements yaml.Unmarshaler for SceneEntityConfig
func (s *SceneEntityConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&s.State)
	}

	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	state, ok := raw["state"]
	if !ok {
		return fmt.Errorf("line %d: scene entity requires a state", value.Line)
	}
	s.State = fmt.Sprint(state)
	delete(raw, "state")
	s.Attributes = raw
	return nil
}

// StringList accepts either a single string or a list of strings
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler for StringList
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./scened.sqlite"
	}

	// Service bus defaults
	if cfg.Services.CallTimeout == 0 {
		cfg.Services.CallTimeout = Duration(10 * time.Second)
	}
	if cfg.Services.QueueSize == 0 {
		cfg.Services.QueueSize = 100
	}

	// HTTP defaults
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8123
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "scened"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "scened"
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}

	// Hue defaults
	if cfg.Hue.PollInterval == 0 {
		cfg.Hue.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Hue.RateLimitRPS == 0 {
		cfg.Hue.RateLimitRPS = 10.0
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Hue.Enabled && c.Hue.Bridge == "" {
		return fmt.Errorf("hue.bridge is required when hue is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	for id, sw := range c.Switches {
		if len(sw.TurnOn) == 0 || len(sw.TurnOff) == 0 {
			return fmt.Errorf("switch %q requires both turn_on and turn_off", id)
		}
	}
	for i, sc := range c.Scenes {
		if sc.Name == "" {
			return fmt.Errorf("scene #%d requires a name", i+1)
		}
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout as time.Duration
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
