package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ReplayConfig holds configuration for the offline mirror replay.
type ReplayConfig struct {
	Journal    string
	DSN        string
	BatchSize  int
	Rebuild    bool
	Checkpoint string
	LogLevel   string
}

// LoadReplay merges config file, environment variables, and flags into
// ReplayConfig.
func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("PRORATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("journal", "./data/journal.jsonl")
	v.SetDefault("batch-size", 500)
	v.SetDefault("checkpoint", "./data/replay-checkpoint.json")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return ReplayConfig{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return ReplayConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return ReplayConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := ReplayConfig{
		Journal:    v.GetString("journal"),
		DSN:        v.GetString("dsn"),
		BatchSize:  v.GetInt("batch-size"),
		Rebuild:    v.GetBool("rebuild"),
		Checkpoint: v.GetString("checkpoint"),
		LogLevel:   v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate rejects replay configurations that cannot run.
func (c ReplayConfig) Validate() error {
	if c.Journal == "" {
		return errors.New("journal is required")
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.BatchSize < 1 {
		return errors.New("batch-size must be at least 1")
	}
	return nil
}
