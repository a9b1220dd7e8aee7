package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Ingest struct {
		FlushInterval  string `yaml:"flush_interval"`
		PollInterval   string `yaml:"poll_interval"`
		BatchSize      int    `yaml:"batch_size"`
		DedupeTTL      string `yaml:"dedupe_ttl"`
		HeartbeatTTL   string `yaml:"heartbeat_ttl"`
		AlertThreshold int    `yaml:"alert_threshold"`
		CleanupGrace   string `yaml:"cleanup_grace"`
		QuestionTTL    string `yaml:"question_ttl"`
	} `yaml:"ingest"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty or invalid.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
