package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Engine kinds selectable via engine.kind.
const (
	EngineMemory = "memory"
	EngineEVM    = "evm"
)

// Config holds the service configuration loaded from flags, env, or
// config file.
type Config struct {
	Log      LogConfig
	Server   ServerConfig
	Journal  JournalConfig
	Engine   EngineConfig
	Postgres PostgresConfig
}

// LogConfig controls logging.
type LogConfig struct {
	Level string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr       string
	AuthTokens []string
	RateRPS    float64
	RateBurst  int
}

// JournalConfig locates the append-only event journal.
type JournalConfig struct {
	Path string
}

// EngineConfig selects and parameterizes the settlement engine. Custody
// names the ledger's custody identity for the memory engine; the evm
// engine derives it from the private key.
type EngineConfig struct {
	Kind            string
	Custody         string
	RPCURL          string
	ChainID         int64
	PrivateKey      string
	DisperseAddress string
	ConfirmTimeout  time.Duration
}

// PostgresConfig controls the read mirror. An empty DSN disables it.
type PostgresConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
}

// Load merges config file, environment variables, and flags into Config.
// Keys are dotted (server.addr); env names replace the dot with an
// underscore under the PRORATA prefix.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRORATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_rps", 0.0)
	v.SetDefault("server.rate_burst", 0)
	v.SetDefault("journal.path", "./data/journal.jsonl")
	v.SetDefault("engine.kind", EngineMemory)
	v.SetDefault("engine.confirm_timeout", 90*time.Second)
	v.SetDefault("postgres.batch_size", 128)
	v.SetDefault("postgres.flush_interval", time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
		Server: ServerConfig{
			Addr:       v.GetString("server.addr"),
			AuthTokens: getStringSlice(v, "server.auth_token"),
			RateRPS:    v.GetFloat64("server.rate_rps"),
			RateBurst:  v.GetInt("server.rate_burst"),
		},
		Journal: JournalConfig{
			Path: v.GetString("journal.path"),
		},
		Engine: EngineConfig{
			Kind:            v.GetString("engine.kind"),
			Custody:         v.GetString("engine.custody"),
			RPCURL:          v.GetString("engine.rpc_url"),
			ChainID:         v.GetInt64("engine.chain_id"),
			PrivateKey:      v.GetString("engine.private_key"),
			DisperseAddress: v.GetString("engine.disperse_address"),
			ConfirmTimeout:  v.GetDuration("engine.confirm_timeout"),
		},
		Postgres: PostgresConfig{
			DSN:           v.GetString("postgres.dsn"),
			BatchSize:     v.GetInt("postgres.batch_size"),
			FlushInterval: v.GetDuration("postgres.flush_interval"),
		},
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.RateRPS < 0 {
		return errors.New("server.rate_rps cannot be negative")
	}
	if c.Server.RateBurst < 0 {
		return errors.New("server.rate_burst cannot be negative")
	}
	if c.Journal.Path == "" {
		return errors.New("journal.path is required")
	}

	switch c.Engine.Kind {
	case EngineMemory:
		if !common.IsHexAddress(c.Engine.Custody) {
			return fmt.Errorf("engine.custody %q is not an address", c.Engine.Custody)
		}
	case EngineEVM:
		if c.Engine.RPCURL == "" {
			return errors.New("engine.rpc_url is required for the evm engine")
		}
		if c.Engine.PrivateKey == "" {
			return errors.New("engine.private_key is required for the evm engine")
		}
		if c.Engine.DisperseAddress != "" && !common.IsHexAddress(c.Engine.DisperseAddress) {
			return fmt.Errorf("engine.disperse_address %q is not an address", c.Engine.DisperseAddress)
		}
		if c.Engine.ConfirmTimeout <= 0 {
			return errors.New("engine.confirm_timeout must be positive")
		}
	default:
		return fmt.Errorf("unknown engine kind %q", c.Engine.Kind)
	}

	if c.Postgres.DSN != "" {
		if c.Postgres.BatchSize < 1 {
			return errors.New("postgres.batch_size must be at least 1")
		}
		if c.Postgres.FlushInterval <= 0 {
			return errors.New("postgres.flush_interval must be positive")
		}
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
