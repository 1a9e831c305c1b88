package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/moikas-code/kuuzuki/internal/config"
)

// Credentials resolves a stored API key for a provider. The auth store
// satisfies it.
type Credentials interface {
	AccessKey(ctx context.Context, provider string) (string, error)
}

// envKeys maps provider ids to their conventional API key variables,
// consulted after config and the auth store.
var envKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Factory builds and caches provider adapters from configuration.
type Factory struct {
	providers map[string]config.Provider
	creds     Credentials
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]Provider
}

// NewFactory builds a factory. creds may be nil.
func NewFactory(providers map[string]config.Provider, creds Credentials, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		providers: providers,
		creds:     creds,
		logger:    logger,
		cache:     make(map[string]Provider),
	}
}

// Get returns the adapter for a provider id, building it on first use.
func (f *Factory) Get(ctx context.Context, providerID string) (Provider, error) {
	f.mu.Lock()
	if p, ok := f.cache[providerID]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	p, err := f.build(ctx, providerID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[providerID] = p
	f.mu.Unlock()
	return p, nil
}

func (f *Factory) build(ctx context.Context, providerID string) (Provider, error) {
	cfg := f.providers[providerID]

	switch providerID {
	case "anthropic":
		key, err := f.apiKey(ctx, providerID, cfg)
		if err != nil {
			return nil, err
		}
		return NewAnthropic(key, cfg.BaseURL, f.logger), nil
	case "openai":
		key, err := f.apiKey(ctx, providerID, cfg)
		if err != nil {
			return nil, err
		}
		return NewOpenAI(key, cfg.BaseURL, f.logger), nil
	case "bedrock":
		// The AWS credential chain applies; an api key is optional.
		return NewBedrock(ctx, cfg.APIKey, cfg.Region, f.logger)
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", providerID)
	}
}

// apiKey resolves credentials: explicit config, then the auth store, then
// the conventional environment variable.
func (f *Factory) apiKey(ctx context.Context, providerID string, cfg config.Provider) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if f.creds != nil {
		if key, err := f.creds.AccessKey(ctx, providerID); err == nil && key != "" {
			return key, nil
		}
	}
	if env := envKeys[providerID]; env != "" {
		if key := os.Getenv(env); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("provider: no credentials for %q", providerID)
}
