// Package config aggregates the service configuration: model providers,
// remote tool servers, admission ceilings and the backing store.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/chatmodel"
	"github.com/effective-security/toolgate/governor"
	"github.com/effective-security/toolgate/mcpmux"
	"github.com/effective-security/toolgate/pkg/llmfactory"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
)

// Config is the top-level service configuration.
type Config struct {
	// LLM configures the model providers and routing.
	LLM llmfactory.Config `json:"llm" yaml:"llm"`
	// Servers lists the remote tool server subprocesses.
	Servers []mcpmux.ServerSpec `json:"servers,omitempty" yaml:"servers,omitempty" validate:"dive"`
	// Redis configures the backing store; empty Addr selects in-memory.
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
	// Limits overrides the stock per-tier ceilings, keyed by tier name.
	Limits map[string]governor.Limits `json:"limits,omitempty" yaml:"limits,omitempty"`
	// Chat configures the completion loop.
	Chat ChatConfig `json:"chat,omitempty" yaml:"chat,omitempty"`
}

// RedisConfig describes the shared Redis endpoint.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ChatConfig tunes the completion loop.
type ChatConfig struct {
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	// CorrectionRounds bounds self-repair; zero selects the default.
	CorrectionRounds int `json:"correction_rounds,omitempty" yaml:"correction_rounds,omitempty"`
	// CallTimeoutSeconds bounds each tool call; zero selects the default.
	CallTimeoutSeconds int `json:"call_timeout_seconds,omitempty" yaml:"call_timeout_seconds,omitempty"`
}

// CallTimeout returns the configured per-call timeout, or zero when unset.
func (c ChatConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// GovernorLimits folds the configured overrides into the stock tier table.
// Unknown tier names are an error rather than a silent fallback.
func (c *Config) GovernorLimits() (map[chatmodel.Tier]governor.Limits, error) {
	limits := make(map[chatmodel.Tier]governor.Limits, len(governor.DefaultLimits))
	for tier, l := range governor.DefaultLimits {
		limits[tier] = l
	}
	for name, l := range c.Limits {
		tier := chatmodel.Tier(strings.ToLower(strings.TrimSpace(name)))
		if !tier.Valid() {
			return nil, errors.Newf("unknown tier in limits: %s", name)
		}
		limits[tier] = l
	}
	return limits, nil
}

// Load reads and validates the configuration from a file, expanding
// ${ENV_VAR} references.
func Load(file string) (*Config, error) {
	cfg := new(Config)
	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}
