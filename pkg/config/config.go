package config

// Package config provides a reusable loader for cosmos-core configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cosmos-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a cosmos-core node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
	} `mapstructure:"network" json:"network"`

	Tick struct {
		RateHz int `mapstructure:"rate_hz" json:"rate_hz"`
	} `mapstructure:"tick" json:"tick"`

	Persistence struct {
		DBPath       string `mapstructure:"db_path" json:"db_path"`
		AutosaveSecs int    `mapstructure:"autosave_secs" json:"autosave_secs"`
	} `mapstructure:"persistence" json:"persistence"`

	Assets struct {
		BlockDefsPath string `mapstructure:"block_defs_path" json:"block_defs_path"`
		RecipesPath   string `mapstructure:"recipes_path" json:"recipes_path"`
		LootPath      string `mapstructure:"loot_path" json:"loot_path"`
	} `mapstructure:"assets" json:"assets"`

	Replication struct {
		ChunkStreamBackpressure int `mapstructure:"chunk_stream_backpressure" json:"chunk_stream_backpressure"`
		LODAckLagBound          int `mapstructure:"lod_ack_lag_bound" json:"lod_ack_lag_bound"`
	} `mapstructure:"replication" json:"replication"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the COSMOS_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("COSMOS_ENV", ""))
}
