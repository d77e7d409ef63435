// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"sort"
	"time"

	"synapse/platform/orchestrator/llm/gemini"
	"synapse/platform/orchestrator/llm/moonshot"
	"synapse/platform/orchestrator/llm/openai"
	"synapse/platform/orchestrator/llm/openrouter"
	"synapse/platform/orchestrator/llm/perplexity"
)

// ProviderFactory constructs a Provider from generic configuration.
type ProviderFactory func(config ProviderConfig) (Provider, error)

// factories maps each provider type to its constructor. Adding a provider
// type means adding one entry here; callers go through NewProviderFromConfig
// and never reference concrete packages.
var factories = map[ProviderType]ProviderFactory{
	ProviderTypeOpenAI: func(config ProviderConfig) (Provider, error) {
		return NewOpenAIAdapter(config.Name, openai.Config{
			APIKey:  config.APIKey,
			BaseURL: config.Endpoint,
			Model:   config.Model,
			Timeout: timeoutFromConfig(config),
		})
	},
	ProviderTypeGemini: func(config ProviderConfig) (Provider, error) {
		return NewGeminiAdapter(config.Name, gemini.Config{
			APIKey:  config.APIKey,
			BaseURL: config.Endpoint,
			Model:   config.Model,
			Timeout: timeoutFromConfig(config),
		})
	},
	ProviderTypePerplexity: func(config ProviderConfig) (Provider, error) {
		return NewPerplexityAdapter(config.Name, perplexity.Config{
			APIKey:  config.APIKey,
			BaseURL: config.Endpoint,
			Model:   config.Model,
			Timeout: timeoutFromConfig(config),
		})
	},
	ProviderTypeMoonshot: func(config ProviderConfig) (Provider, error) {
		return NewMoonshotAdapter(config.Name, moonshot.Config{
			APIKey:  config.APIKey,
			BaseURL: config.Endpoint,
			Model:   config.Model,
			Timeout: timeoutFromConfig(config),
		})
	},
	ProviderTypeOpenRouter: func(config ProviderConfig) (Provider, error) {
		referer, _ := config.Settings["referer"].(string)
		title, _ := config.Settings["app_title"].(string)
		return NewOpenRouterAdapter(config.Name, openrouter.Config{
			APIKey:   config.APIKey,
			BaseURL:  config.Endpoint,
			Model:    config.Model,
			Referer:  referer,
			AppTitle: title,
			Timeout:  timeoutFromConfig(config),
		})
	},
}

// RegisterFactory installs a factory for a custom provider type.
// Built-in types cannot be overridden.
func RegisterFactory(providerType ProviderType, factory ProviderFactory) error {
	if _, exists := factories[providerType]; exists {
		return fmt.Errorf("factory for provider type %q already registered", providerType)
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	factories[providerType] = factory
	return nil
}

// SupportedProviderTypes returns the provider types with registered
// factories, sorted.
func SupportedProviderTypes() []ProviderType {
	types := make([]ProviderType, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewProviderFromConfig constructs a provider instance from configuration
// using the registered factory for its type.
func NewProviderFromConfig(config ProviderConfig) (Provider, error) {
	factory, ok := factories[config.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", config.Type)
	}
	return factory(config)
}

// BuildRegistry constructs and registers providers for every config whose
// API key is present. Configs with missing keys are skipped rather than
// failing the whole bootstrap, so a deployment can run with a subset of
// providers.
func BuildRegistry(configs []ProviderConfig) (*Registry, []error) {
	registry := NewRegistry()
	var errs []error
	for _, config := range configs {
		if !config.Enabled {
			continue
		}
		if config.APIKey == "" {
			continue
		}
		provider, err := NewProviderFromConfig(config)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", config.Name, err))
			continue
		}
		if err := registry.Register(provider, config); err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", config.Name, err))
		}
	}
	return registry, errs
}

func timeoutFromConfig(config ProviderConfig) time.Duration {
	if config.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(config.TimeoutSeconds) * time.Second
}
