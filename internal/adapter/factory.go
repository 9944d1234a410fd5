package adapter

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/provider/llm"
	"github.com/rapportlabs/rapport/pkg/provider/llm/anyllm"
	"github.com/rapportlabs/rapport/pkg/provider/llm/openai"
)

// Factory builds a provider instance for a (provider, model) pair. The
// default factory wraps any-llm-go; tests inject mocks.
type Factory func(providerName, model string) (llm.Provider, error)

// defaultFactory builds providers from the configured pool, passing API keys
// and base URLs through to the backend.
func defaultFactory(cfg config.LLMConfig) Factory {
	entries := make(map[string]config.ProviderEntry, len(cfg.Providers))
	for _, e := range cfg.Providers {
		entries[e.Name] = e
	}
	return func(providerName, model string) (llm.Provider, error) {
		entry, ok := entries[providerName]
		if !ok {
			return nil, fmt.Errorf("adapter: provider %q not configured", providerName)
		}
		// The native OpenAI client carries vision support for the merge step;
		// everything else goes through the any-llm backend.
		if providerName == "openai" {
			var opts []openai.Option
			if entry.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(entry.BaseURL))
			}
			return openai.New(entry.APIKey, model, opts...)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(providerName, model, opts...)
	}
}

// instance returns the cached provider for a (provider, model) pair, building
// it on first use.
func (a *Adapter) instance(providerName, model string) (llm.Provider, error) {
	key := providerName + "/" + model
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.instances[key]; ok {
		return p, nil
	}
	p, err := a.factory(providerName, model)
	if err != nil {
		return nil, fault.Wrap(fault.KindModelUnavailable, "build provider "+key, err)
	}
	a.instances[key] = p
	return p, nil
}
