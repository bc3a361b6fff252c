package llm

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func providerNames(providers []Provider) []string {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return names
}

func TestRegistry_Configured(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		OpenAIKey:     "sk-service",
		GeminiKey:     "gemini-service-key",
		FallbackOrder: []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic},
	}, testLogger())

	got := registry.Configured()
	if len(got) != 2 || got[0] != ProviderGemini || got[1] != ProviderOpenAI {
		t.Errorf("unexpected configured list: %v", got)
	}
}

func TestRegistry_MalformedServiceKeyIgnored(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		OpenAIKey: "not-an-openai-key",
	}, testLogger())

	if got := registry.Configured(); len(got) != 0 {
		t.Errorf("malformed key must not configure a provider: %v", got)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	registry := NewRegistry(RegistryConfig{
		OpenAIKey:     "sk-service",
		GeminiKey:     "gemini-service-key",
		AnthropicKey:  "sk-ant-service",
		FallbackOrder: []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic},
	}, testLogger())

	t.Run("FallbackOrder", func(t *testing.T) {
		providers, err := registry.Resolve("", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := providerNames(providers)
		want := []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got order %v, want %v", got, want)
			}
		}
	})

	t.Run("PreferredFirst", func(t *testing.T) {
		providers, err := registry.Resolve(ProviderAnthropic, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := providerNames(providers)
		if got[0] != ProviderAnthropic {
			t.Errorf("expected preferred first, got %v", got)
		}
		if len(got) != 3 {
			t.Errorf("preferred must not be duplicated: %v", got)
		}
	})

	t.Run("UnknownPreferred", func(t *testing.T) {
		if _, err := registry.Resolve("cohere", nil); !errors.Is(err, ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got %v", err)
		}
	})
}

func TestRegistry_ResolveCustomKeys(t *testing.T) {
	t.Run("CustomKeyEnablesUnconfiguredProvider", func(t *testing.T) {
		registry := NewRegistry(RegistryConfig{
			GeminiKey: "gemini-service-key",
		}, testLogger())

		providers, err := registry.Resolve(ProviderAnthropic, map[string]string{
			ProviderAnthropic: "sk-ant-customer",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := providerNames(providers); got[0] != ProviderAnthropic {
			t.Errorf("customer key must enable anthropic, got %v", got)
		}
	})

	t.Run("MalformedCustomKeyFallsBack", func(t *testing.T) {
		registry := NewRegistry(RegistryConfig{
			OpenAIKey: "sk-service",
		}, testLogger())

		providers, err := registry.Resolve("", map[string]string{
			ProviderOpenAI: "bogus",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := providerNames(providers); len(got) != 1 || got[0] != ProviderOpenAI {
			t.Errorf("expected service openai provider, got %v", got)
		}
	})

	t.Run("NothingConfigured", func(t *testing.T) {
		registry := NewRegistry(RegistryConfig{}, testLogger())
		if _, err := registry.Resolve("", nil); !errors.Is(err, ErrNoProviders) {
			t.Errorf("expected ErrNoProviders, got %v", err)
		}
	})
}
