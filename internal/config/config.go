package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"obcatalog/internal/metadata"
)

// Config models catalog.yml.
type Config struct {
	ResultsDir  string                      `yaml:"results_dir"`
	DataDir     string                      `yaml:"data_dir"`
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
	Server      ServerConfig                `yaml:"server"`
	Webhooks    []WebhookConfig             `yaml:"webhooks"`
}

type InstrumentConfig struct {
	Pipeline string `yaml:"pipeline"`
	// Keywords maps metadata field names to header keywords.
	Keywords map[string]string `yaml:"keywords"`
	Required []string          `yaml:"required"`
	// Modes maps observing mode to recipe name.
	Modes map[string]string `yaml:"modes"`
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// WebhookConfig delivers catalog events to URL. An empty Events list
// subscribes to every event type.
type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        bool     `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with obc init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.ResultsDir == "" {
		return fmt.Errorf("config.results_dir is required")
	}
	for name, ins := range c.Instruments {
		if name == "" {
			return fmt.Errorf("config.instruments contains empty instrument name")
		}
		for field, kw := range ins.Keywords {
			if field == "" || kw == "" {
				return fmt.Errorf("instrument %s has empty keyword mapping %q: %q", name, field, kw)
			}
		}
		for _, f := range ins.Required {
			if f == "" {
				return fmt.Errorf("instrument %s has empty required field", name)
			}
		}
		for mode, recipe := range ins.Modes {
			if mode == "" || recipe == "" {
				return fmt.Errorf("instrument %s has empty mode mapping %q: %q", name, mode, recipe)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Registry builds the instrument registry. Each instrument gets a keyword
// extractor reading headers through headers.
func (c *Config) Registry(headers metadata.HeaderReader) metadata.StaticRegistry {
	reg := metadata.StaticRegistry{}
	for name, ins := range c.Instruments {
		pipeline := ins.Pipeline
		if pipeline == "" {
			pipeline = "default"
		}
		var keywords map[string]string
		if ins.Keywords != nil {
			keywords = map[string]string{metadata.KeyInstrument: metadata.DefaultKeywords[metadata.KeyInstrument]}
			for f, kw := range ins.Keywords {
				keywords[f] = kw
			}
		}
		reg[name] = metadata.Pipeline{
			Name:       pipeline,
			Instrument: name,
			Extractor:  metadata.KeywordExtractor{Headers: headers, Keywords: keywords, Required: ins.Required},
			Recipes:    ins.Modes,
		}
	}
	return reg
}

// ResolveDir returns dir relative to the workspace unless it is absolute.
func ResolveDir(workspace, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "catalog.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `results_dir: results
data_dir: data

instruments: {}
#  TEST1:
#    pipeline: default
#    keywords:
#      instrument: INSTRUME
#      observation_date: DATE-OBS
#      exposure_time: EXPTIME
#      object: OBJECT
#      uuid: UUID
#      instrument_configuration_id: INSCONF
#      quality_control: NUMRQC
#    required: [observation_date]
#    modes:
#      BIAS: bias_image
#      DARK: dark_image

server:
  listen: ":8080"
  base_path: /v0
  jwt_secret: ""

webhooks: []
`
