package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port     string         `yaml:"port"`
	LogLevel string         `yaml:"logLevel"`
	Upstream upstreamConfig `yaml:"upstream"`
}

type upstreamConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

// loadConfig reads the YAML config at path. A missing file is not an error; the
// defaults plus environment variables are enough to run.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv("GLM_API_KEY")
	}
	if cfg.Upstream.APIKey == "" {
		return config{}, fmt.Errorf("upstream API key is required (set upstream.apiKey or GLM_API_KEY)")
	}

	return cfg, nil
}

func (c config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
