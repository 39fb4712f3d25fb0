// Package decider provides the decision adapters the engine calls once per
// agent per cycle.
package decider

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flitsinc/go-npcsim/internal/engine"
)

const (
	ProviderRules = "rules"
	ProviderHTTP  = "http"
)

type Config struct {
	Provider string
	URL      string
	APIKey   string
	// Latency is the simulated think time of the rules provider.
	Latency time.Duration
}

// New builds the decider named by cfg.Provider. An empty provider selects
// http when a URL is configured and rules otherwise.
func New(cfg Config) (engine.Decider, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderRules
		if strings.TrimSpace(cfg.URL) != "" {
			provider = ProviderHTTP
		}
	}

	switch provider {
	case ProviderRules:
		return &Rules{Latency: cfg.Latency}, nil
	case ProviderHTTP:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("decider url is required")
		}
		return NewHTTP(cfg.URL, cfg.APIKey, http.DefaultClient)
	default:
		return nil, fmt.Errorf("unsupported decider provider: %s", cfg.Provider)
	}
}
