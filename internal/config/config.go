package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RPCURL         string   `yaml:"rpc_url"`
	DBPath         string   `yaml:"db_path"`
	PollSeconds    float64  `yaml:"poll_seconds"`
	StartHeight    int64    `yaml:"start_height"`
	TimeoutSeconds float64  `yaml:"timeout_seconds"`
	Listen         string   `yaml:"listen"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ExpandPath resolves a leading "~" against the current user's home
// directory. Unresolvable paths come back unchanged.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultDBPath is where the indexer keeps its database when --db is not
// given: ~/.retrochain/indexer.sqlite.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "indexer.sqlite"
	}
	return filepath.Join(home, ".retrochain", "indexer.sqlite")
}
