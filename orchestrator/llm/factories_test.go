// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderFromConfig(t *testing.T) {
	provider, err := NewProviderFromConfig(ProviderConfig{
		Name:   "primary-openai",
		Type:   ProviderTypeOpenAI,
		APIKey: "test-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "primary-openai", provider.Name())
	assert.Equal(t, ProviderTypeOpenAI, provider.Type())
	assert.True(t, provider.SupportsStreaming())
}

func TestNewProviderFromConfigUnknownType(t *testing.T) {
	_, err := NewProviderFromConfig(ProviderConfig{Name: "x", Type: ProviderType("carrier-pigeon")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type")
}

func TestSupportedProviderTypes(t *testing.T) {
	types := SupportedProviderTypes()
	for _, want := range []ProviderType{
		ProviderTypeOpenAI, ProviderTypeGemini, ProviderTypePerplexity,
		ProviderTypeMoonshot, ProviderTypeOpenRouter,
	} {
		assert.Contains(t, types, want)
	}
}

func TestRegisterFactoryRejectsBuiltinOverride(t *testing.T) {
	err := RegisterFactory(ProviderTypeOpenAI, func(ProviderConfig) (Provider, error) { return nil, nil })
	assert.Error(t, err)

	assert.Error(t, RegisterFactory(ProviderType("nil-factory"), nil))
}

func TestBuildRegistrySkipsDisabledAndKeyless(t *testing.T) {
	registry, errs := BuildRegistry([]ProviderConfig{
		{Name: "openai", Type: ProviderTypeOpenAI, APIKey: "key", Enabled: true},
		{Name: "gemini", Type: ProviderTypeGemini, APIKey: "", Enabled: true},
		{Name: "perplexity", Type: ProviderTypePerplexity, APIKey: "key", Enabled: false},
	})
	assert.Empty(t, errs)
	assert.Equal(t, []string{"openai"}, registry.List())
}

func TestBuildRegistryCollectsFactoryErrors(t *testing.T) {
	registry, errs := BuildRegistry([]ProviderConfig{
		{Name: "bogus", Type: ProviderType("bogus"), APIKey: "key", Enabled: true},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bogus")
	assert.Empty(t, registry.List())
}
