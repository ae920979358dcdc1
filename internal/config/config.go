// Package config loads the predcache service configuration from YAML.
//
// Every field has a default, so an empty file (or no file) yields a
// configuration that runs a local SQLite store with the simulated oracle.
// Principals and the JWT secret have no useful default and must be set
// before serving.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/predcache/internal/access"
	"github.com/roach88/predcache/internal/fee"
	"github.com/roach88/predcache/internal/ir"
	"github.com/roach88/predcache/internal/oracle"
	"github.com/roach88/predcache/internal/staticcall"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Oracle modes.
const (
	OracleLocal = "local"
	OracleHTTP  = "http"
)

// Config is the full service configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	Store      StoreConfig      `yaml:"store"`
	Access     AccessConfig     `yaml:"access"`
	Fee        FeeConfig        `yaml:"fee"`
	Keeper     KeeperConfig     `yaml:"keeper"`
	Oracle     OracleConfig     `yaml:"oracle"`
	StaticCall StaticCallConfig `yaml:"static_call"`
}

// StoreConfig selects and locates the predicate store.
type StoreConfig struct {
	Backend string      `yaml:"backend"` // "sqlite" | "redis"
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig locates the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// AccessConfig holds the capability principals and the token secret.
type AccessConfig struct {
	Keeper    string        `yaml:"keeper"`
	Oracle    string        `yaml:"oracle"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// FeeConfig sets the per-update fee in base units, as a decimal string.
type FeeConfig struct {
	PerUpdate string `yaml:"per_update"`
}

// KeeperConfig tunes the built-in keeper schedule.
type KeeperConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	TriggerRate    float64       `yaml:"trigger_rate"`
	Burst          int           `yaml:"burst"`
}

// OracleConfig selects the compute oracle and its passthrough settings.
type OracleConfig struct {
	Mode           string        `yaml:"mode"` // "local" | "http"
	GatewayURL     string        `yaml:"gateway_url"`
	GatewayToken   string        `yaml:"gateway_token"`
	Timeout        time.Duration `yaml:"timeout"`
	SubscriptionID uint64        `yaml:"subscription_id"`
	GasLimit       uint32        `yaml:"gas_limit"`
	DONID          string        `yaml:"don_id"`
	CallbackTarget string        `yaml:"callback_target"`
	Secrets        SecretsConfig `yaml:"secrets"`
}

// SecretsConfig holds the endpoint credentials used by the local oracle.
type SecretsConfig struct {
	BearerToken  string `yaml:"bearer_token"`
	APIKey       string `yaml:"api_key"`
	APIKeyHeader string `yaml:"api_key_header"`
}

// StaticCallConfig sets the address the matching protocol calls.
type StaticCallConfig struct {
	Target string `yaml:"target"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: "127.0.0.1:8545",
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    "predcache.db",
			Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Access: AccessConfig{TokenTTL: time.Hour},
		Fee:    FeeConfig{PerUpdate: "0"},
		Keeper: KeeperConfig{
			Enabled:        true,
			Interval:       time.Minute,
			PendingTimeout: 10 * time.Minute,
			TriggerRate:    10,
			Burst:          1,
		},
		Oracle: OracleConfig{
			Mode:     OracleLocal,
			Timeout:  10 * time.Second,
			GasLimit: 300000,
			Secrets:  SecretsConfig{APIKeyHeader: "X-API-Key"},
		},
	}
}

// Load reads path over the defaults. An empty path returns Default().
// ${VAR} references in the file are expanded from the environment so
// secrets need not be written to disk.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) != "" {
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field values. It does not require principals or the
// JWT secret; ValidateServe does.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return ir.NewValidationError("store.path", "required for the sqlite backend")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return ir.NewValidationError("store.redis.addr", "required for the redis backend")
		}
	default:
		return ir.NewValidationError("store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}

	if _, err := fee.ParseAmount(c.Fee.PerUpdate); err != nil {
		return ir.NewValidationError("fee.per_update", err.Error())
	}

	if c.Keeper.Interval <= 0 {
		return ir.NewValidationError("keeper.interval", "must be positive")
	}
	if c.Keeper.PendingTimeout <= 0 {
		return ir.NewValidationError("keeper.pending_timeout", "must be positive")
	}
	if c.Keeper.TriggerRate < 0 {
		return ir.NewValidationError("keeper.trigger_rate", "must not be negative")
	}

	switch c.Oracle.Mode {
	case OracleLocal:
	case OracleHTTP:
		if c.Oracle.GatewayURL == "" {
			return ir.NewValidationError("oracle.gateway_url", "required in http mode")
		}
	default:
		return ir.NewValidationError("oracle.mode", fmt.Sprintf("unknown mode %q", c.Oracle.Mode))
	}

	if c.StaticCall.Target != "" {
		if _, err := staticcall.ParseAddress(c.StaticCall.Target); err != nil {
			return ir.NewValidationError("static_call.target", err.Error())
		}
	}
	return nil
}

// ValidateServe additionally requires what a running service needs.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Access.Keeper == "" {
		return ir.NewValidationError("access.keeper", "keeper principal is required")
	}
	if c.Access.Oracle == "" {
		return ir.NewValidationError("access.oracle", "oracle principal is required")
	}
	if c.Access.JWTSecret == "" {
		return ir.NewValidationError("access.jwt_secret", "token secret is required")
	}
	if c.Listen == "" {
		return ir.NewValidationError("listen", "listen address is required")
	}
	return nil
}

// ACL returns the capability policy.
func (c Config) ACL() access.Policy {
	return access.Policy{Keeper: c.Access.Keeper, Oracle: c.Access.Oracle}
}

// FeeMeter builds the fee meter.
func (c Config) FeeMeter() (*fee.Meter, error) {
	amount, err := fee.ParseAmount(c.Fee.PerUpdate)
	if err != nil {
		return nil, err
	}
	return fee.New(amount)
}

// StaticTarget returns the static-call target address; zero if unset.
func (c Config) StaticTarget() staticcall.Address {
	if c.StaticCall.Target == "" {
		return staticcall.Address{}
	}
	a, _ := staticcall.ParseAddress(c.StaticCall.Target)
	return a
}

// OracleSecrets returns the endpoint credentials for the local oracle.
func (c Config) OracleSecrets() oracle.Secrets {
	return oracle.Secrets{
		BearerToken:  c.Oracle.Secrets.BearerToken,
		APIKey:       c.Oracle.Secrets.APIKey,
		APIKeyHeader: c.Oracle.Secrets.APIKeyHeader,
	}
}
