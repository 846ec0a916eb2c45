package llmfactory

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
)

// Config describes the configured model providers.
type Config struct {
	// Providers specifies the list of providers to use
	Providers []*ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
	// DefaultProvider specifies the default provider to use
	DefaultProvider string `json:"default_provider" yaml:"default_provider"`
	// ToolModels specifies the mapping of tools to preferred models.
	// key is the tool name, value is the list of model names.
	// Use `default: <model_name>` as the default model for tools.
	ToolModels map[string][]string `json:"tool_models" yaml:"tool_models"`
}

// ProviderConfig describes one provider endpoint.
type ProviderConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	// APIType specifies the type of API to use: OPENAI|ANTHROPIC
	APIType         string   `json:"api_type" yaml:"api_type" validate:"required"`
	Token           string   `json:"token,omitempty" yaml:"token,omitempty"`
	BaseURL         string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	OrgID           string   `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	DefaultModel    string   `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	AvailableModels []string `json:"available_models,omitempty" yaml:"available_models,omitempty"`
}

// FindModel returns the first preferred model the provider advertises, or
// the provider's default.
func (c *ProviderConfig) FindModel(models ...string) string {
	for _, model := range models {
		if slices.Contains(c.AvailableModels, model) {
			return model
		}
	}
	return c.DefaultModel
}

// LoadConfig from file
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.WithMessage(err, "invalid provider configuration")
	}
	return cfg, nil
}
