// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry manages named provider instances and their health state.
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	configs   map[string]ProviderConfig
	health    map[string]*HealthCheckResult
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		configs:   make(map[string]ProviderConfig),
		health:    make(map[string]*HealthCheckResult),
	}
}

// Register adds a provider instance under its configured name.
// Registering an existing name replaces the previous instance.
func (r *Registry) Register(provider Provider, config ProviderConfig) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := config.Name
	if name == "" {
		name = provider.Name()
	}
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
	r.configs[name] = config
	r.health[name] = &HealthCheckResult{Status: HealthStatusUnknown}
	return nil
}

// Unregister removes a provider instance.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	delete(r.providers, name)
	delete(r.configs, name)
	delete(r.health, name)
	return nil
}

// Get returns a registered provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return provider, nil
}

// GetConfig returns the configuration for a registered provider.
func (r *Registry) GetConfig(name string) (ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.configs[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("provider %q not registered", name)
	}
	return config, nil
}

// List returns all registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListEnabled returns the names of all enabled providers in sorted order.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		if r.configs[name].Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetHealthyProviders returns enabled providers whose last health check
// passed. Providers that have never been checked are included, so a fresh
// registry can still route.
func (r *Registry) GetHealthyProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		if !r.configs[name].Enabled {
			continue
		}
		h := r.health[name]
		if h == nil || h.Status == HealthStatusHealthy || h.Status == HealthStatusUnknown {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetHealthResult returns the last recorded health result for a provider,
// or nil if the provider is unknown.
func (r *Registry) GetHealthResult(name string) *HealthCheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[name]
	if !ok {
		return nil
	}
	copied := *h
	return &copied
}

// RunHealthChecks checks every registered provider once and records the
// results. Failures increment the consecutive-failure counter.
func (r *Registry) RunHealthChecks(ctx context.Context) {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	for name, provider := range providers {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result, err := provider.HealthCheck(checkCtx)
		cancel()

		r.mu.Lock()
		prev := r.health[name]
		if err != nil || result == nil {
			failures := 1
			if prev != nil {
				failures = prev.ConsecutiveFailures + 1
			}
			msg := "health check failed"
			if err != nil {
				msg = err.Error()
			}
			r.health[name] = &HealthCheckResult{
				Status:              HealthStatusUnhealthy,
				Message:             msg,
				LastChecked:         time.Now(),
				ConsecutiveFailures: failures,
			}
		} else {
			result.LastChecked = time.Now()
			if result.Status != HealthStatusHealthy && prev != nil {
				result.ConsecutiveFailures = prev.ConsecutiveFailures + 1
			}
			r.health[name] = result
		}
		r.mu.Unlock()
	}
}

// StartPeriodicHealthCheck runs health checks on the given interval until
// the context is cancelled.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunHealthChecks(ctx)
			}
		}
	}()
}

// Close releases registry resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]Provider)
	r.configs = make(map[string]ProviderConfig)
	r.health = make(map[string]*HealthCheckResult)
	return nil
}
