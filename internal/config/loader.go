package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Paths names the files the Loader reads. Empty fields use the defaults
// config.yaml, prompts.yaml and .env in the working directory.
type Paths struct {
	Config  string
	Prompts string
	EnvFile string
}

// Loader handles configuration loading
type Loader struct {
	paths Paths
}

// NewLoader creates a new config loader
func NewLoader(paths Paths) *Loader {
	if paths.Config == "" {
		paths.Config = "config.yaml"
	}
	if paths.Prompts == "" {
		paths.Prompts = "prompts.yaml"
	}
	if paths.EnvFile == "" {
		paths.EnvFile = ".env"
	}
	return &Loader{paths: paths}
}

// Load reads the .env file, the secrets from the environment, config.yaml and
// prompts.yaml. Missing files are not an error; validation is left to the caller.
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(l.paths.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := l.loadFile()
	if err != nil {
		return nil, err
	}

	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	prompts, err := LoadPrompts(l.paths.Prompts)
	if err != nil {
		return nil, err
	}
	cfg.Prompts = prompts

	if err := cfg.applyPathDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) loadFile() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DOSUG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v, reflect.TypeOf(*cfg), ""); err != nil {
		return nil, err
	}

	if _, err := os.Stat(l.paths.Config); err == nil {
		v.SetConfigFile(l.paths.Config)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// bindEnv registers every mapstructure key of t so DOSUG_* variables apply
// even to keys the config file does not mention.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + tag
		if field.Type.Kind() == reflect.Struct {
			if err := bindEnv(v, field.Type, key+"."); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

// LoadPrompts reads the agent prompts mapping. A missing file yields an
// empty mapping so the built-in prompt applies.
func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Prompts{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	prompts := Prompts{}
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	return prompts, nil
}

func (c *Config) applyPathDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".dosug")
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "dosug.db")
	}

	return nil
}

// PIDFile returns the daemon PID file location
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "dosug.pid")
}
