package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the unified meshreg configuration file.
type Config struct {
	Rigid      RigidConfig      `yaml:"rigid" json:"rigid"`
	NonRigid   NonRigidConfig   `yaml:"nonRigid" json:"nonRigid"`
	FastDeform FastDeformConfig `yaml:"fastDeform" json:"fastDeform"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
}

// MQTTConfig holds MQTT connection settings for progress publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// DefaultConfig returns the default settings of every registration mode.
func DefaultConfig() *Config {
	return &Config{
		Rigid:      DefaultRigidConfig(),
		NonRigid:   DefaultNonRigidConfig(),
		FastDeform: DefaultFastDeformConfig(),
		MQTT: MQTTConfig{
			PublishPrefix: DefaultPublishPrefix,
			ClientID:      "meshreg",
		},
	}
}

// Validate checks every registration section.
func (c *Config) Validate() error {
	if err := c.Rigid.Validate(); err != nil {
		return fmt.Errorf("rigid: %w", err)
	}
	if err := c.NonRigid.Validate(); err != nil {
		return fmt.Errorf("nonRigid: %w", err)
	}
	if err := c.FastDeform.Validate(); err != nil {
		return fmt.Errorf("fastDeform: %w", err)
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// envOr returns the environment variable key when set, else fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ApplyEnv overrides MQTT settings from MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME, MQTT_PASSWORD and MQTT_PUBLISH_PREFIX.
func (c *MQTTConfig) ApplyEnv() {
	c.Broker = envOr("MQTT_BROKER", c.Broker)
	c.ClientID = envOr("MQTT_CLIENT_ID", c.ClientID)
	c.Username = envOr("MQTT_USERNAME", c.Username)
	c.Password = envOr("MQTT_PASSWORD", c.Password)
	c.PublishPrefix = envOr("MQTT_PUBLISH_PREFIX", c.PublishPrefix)
}
