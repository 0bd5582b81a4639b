// Package config loads sigil's runtime configuration from .env files, SIGIL_*
// environment variables and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/layer-3/sigil/core"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: SIGIL_CHAIN_ID sets chain_id
const EnvPrefix = "SIGIL"

// DefaultPermissiveChainID is the chain where a delegation not yet visible on chain is tolerated
const DefaultPermissiveChainID int64 = 11124

// Config is sigil's runtime configuration
type Config struct {
	// Environment namespaces stored session keys and toggles production cookie flags
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production"`

	ListenAddr string `mapstructure:"listen_addr" validate:"required,hostname_port"`
	LogLevel   string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionSecret seals session cookies. It is checked by CheckSessionSecret, not
	// Validate, so that a missing secret is reported per request instead of at startup.
	SessionSecret string `mapstructure:"session_secret"`

	// Domain is the expected EIP-4361 domain; the request host is used when empty
	Domain  string `mapstructure:"domain"`
	ChainID int64  `mapstructure:"chain_id" validate:"required,gt=0"`

	RPCURL          string `mapstructure:"rpc_url" validate:"omitempty,url"`
	RedisURL        string `mapstructure:"redis_url" validate:"omitempty,url"`
	RegistryAddress string `mapstructure:"registry_address" validate:"omitempty,eth_addr"`
	PolicyFile      string `mapstructure:"policy_file"`

	PermissiveChainIDs []int64 `mapstructure:"permissive_chain_ids" validate:"dive,gt=0"`

	TxWaitTimeout  time.Duration `mapstructure:"tx_wait_timeout" validate:"gt=0"`
	TxPollInterval time.Duration `mapstructure:"tx_poll_interval" validate:"gt=0"`
}

// Production reports whether cookies must be marked Secure
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Load reads configFile (if not empty) and SIGIL_* environment variables, applies
// defaults and validates the result
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key, which is also what lets AutomaticEnv reach Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("listen_addr", "0.0.0.0:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("session_secret", "")
	v.SetDefault("domain", "")
	v.SetDefault("chain_id", DefaultPermissiveChainID)
	v.SetDefault("rpc_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("registry_address", "")
	v.SetDefault("policy_file", "")
	v.SetDefault("permissive_chain_ids", []int64{DefaultPermissiveChainID})
	v.SetDefault("tx_wait_timeout", 10*time.Second)
	v.SetDefault("tx_poll_interval", 250*time.Millisecond)
}

// Validate checks struct tags
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// CheckSessionSecret returns a *core.ConfigError when the session secret is missing or short
func (c *Config) CheckSessionSecret() error {
	v := validator.New()
	if err := v.Var(c.SessionSecret, "required,min=32"); err != nil {
		return &core.ConfigError{Field: "session_secret", Reason: "must be set to at least 32 characters"}
	}
	return nil
}

// IsPermissiveChain reports whether chainID tolerates delegations that are not yet visible on chain
func (c *Config) IsPermissiveChain(chainID int64) bool {
	for _, id := range c.PermissiveChainIDs {
		if id == chainID {
			return true
		}
	}
	return false
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "eth_addr":
		return fmt.Sprintf("%s must be a 0x-prefixed 20-byte hex address", field)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
