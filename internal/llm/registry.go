package llm

import (
	"github.com/sirupsen/logrus"
)

// RegistryConfig carries the service-owned credentials per provider.
type RegistryConfig struct {
	OpenAIKey      string
	OpenAIModel    string
	OpenAIEndpoint string

	GeminiKey     string
	GeminiModel   string
	GeminiBaseURL string

	AnthropicKey   string
	AnthropicModel string

	// FallbackOrder lists provider names in escalation order.
	FallbackOrder []string
}

// Registry holds the configured vision providers and resolves which ones a
// request may use. Customer-supplied keys build throwaway providers that
// take precedence over the service's own.
type Registry struct {
	order     []string
	providers map[string]Provider
	factories map[string]func(apiKey string) Provider
	log       *logrus.Logger
}

func NewRegistry(cfg RegistryConfig, log *logrus.Logger) *Registry {
	r := &Registry{
		order:     cfg.FallbackOrder,
		providers: make(map[string]Provider),
		factories: map[string]func(apiKey string) Provider{
			ProviderOpenAI: func(key string) Provider {
				return NewOpenAIProvider(key, cfg.OpenAIModel, cfg.OpenAIEndpoint)
			},
			ProviderGemini: func(key string) Provider {
				return NewGeminiProvider(key, cfg.GeminiModel, cfg.GeminiBaseURL)
			},
			ProviderAnthropic: func(key string) Provider {
				return NewAnthropicProvider(key, cfg.AnthropicModel)
			},
		},
		log: log,
	}
	if len(r.order) == 0 {
		r.order = []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic}
	}

	serviceKeys := map[string]string{
		ProviderOpenAI:    cfg.OpenAIKey,
		ProviderGemini:    cfg.GeminiKey,
		ProviderAnthropic: cfg.AnthropicKey,
	}
	for name, key := range serviceKeys {
		if key == "" {
			continue
		}
		if err := ValidateKeyShape(name, key); err != nil {
			log.WithError(err).WithField("provider", name).Warn("ignoring malformed api key")
			continue
		}
		r.providers[name] = r.factories[name](key)
	}

	return r
}

// Known reports whether the name refers to a supported provider at all.
func (r *Registry) Known(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Configured returns the names of providers with a usable service key,
// in fallback order.
func (r *Registry) Configured() []string {
	out := make([]string, 0, len(r.providers))
	for _, name := range r.order {
		if _, ok := r.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Resolve returns the providers to try, preferred one first, then the
// fallback order. customKeys entries override the service's providers and
// make otherwise unconfigured providers usable for this request.
func (r *Registry) Resolve(preferred string, customKeys map[string]string) ([]Provider, error) {
	if preferred != "" && !r.Known(preferred) {
		return nil, ErrUnknownProvider
	}

	names := make([]string, 0, len(r.order)+1)
	seen := make(map[string]bool)
	if preferred != "" {
		names = append(names, preferred)
		seen[preferred] = true
	}
	for _, name := range r.order {
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}

	out := make([]Provider, 0, len(names))
	for _, name := range names {
		if key, ok := customKeys[name]; ok && key != "" {
			if err := ValidateKeyShape(name, key); err != nil {
				r.log.WithError(err).WithField("provider", name).Warn("ignoring malformed customer key")
			} else {
				out = append(out, r.factories[name](key))
				continue
			}
		}
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	return out, nil
}
