package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// InspectConfig holds configuration for the journal inspection command.
type InspectConfig struct {
	Journal  string
	Pool     uint64
	LogLevel string
}

// LoadInspect merges config file, environment variables, and flags into
// InspectConfig.
func LoadInspect(cfgFile string, flags *pflag.FlagSet) (InspectConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("PRORATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("journal", "./data/journal.jsonl")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return InspectConfig{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return InspectConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return InspectConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := InspectConfig{
		Journal:  v.GetString("journal"),
		Pool:     v.GetUint64("pool"),
		LogLevel: v.GetString("log-level"),
	}

	return cfg, nil
}

// Validate rejects inspect configurations that cannot run.
func (c InspectConfig) Validate() error {
	if c.Journal == "" {
		return errors.New("journal is required")
	}
	return nil
}
