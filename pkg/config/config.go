package config

// Package config provides a reusable loader for fednode configuration files
// and environment variables.

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/covenantmesh/fednet/pkg/utils"
)

// Config is the unified configuration for a fednode process: identity,
// network, sync, and storage settings plus the thin HTTP adapter's bind
// address.
type Config struct {
	Federation struct {
		ID string `mapstructure:"id" json:"id"`
	} `mapstructure:"federation" json:"federation"`

	Identity struct {
		KeyFile string `mapstructure:"key_file" json:"key_file"`
	} `mapstructure:"identity" json:"identity"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"network" json:"network"`

	Sync struct {
		QueueCapacity int `mapstructure:"queue_capacity" json:"queue_capacity"`
		TimeoutSec    int `mapstructure:"timeout_sec" json:"timeout_sec"`
	} `mapstructure:"sync" json:"sync"`

	Storage struct {
		DAGPath string `mapstructure:"dag_path" json:"dag_path"`
	} `mapstructure:"storage" json:"storage"`

	API struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"api" json:"api"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads config/default.yaml and, when env is non-empty, merges
// config/<env>.yaml over it (a missing overlay file is an error), applies
// any .env overrides via godotenv, then environment variables, and
// unmarshals the result into AppConfig.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional .env in the working directory

	viper.SetConfigName("default")
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

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the FEDNODE_ENV environment
// variable to select the environment-specific overlay.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("FEDNODE_ENV", ""))
}
