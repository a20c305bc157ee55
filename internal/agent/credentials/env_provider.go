// Package credentials resolves LLM provider API keys at startup. Keys come
// from the environment; the core never persists them.
package credentials

import (
	"os"
	"strings"

	"github.com/squadflow/squadflow/internal/common/errors"
)

// keyVarByProvider maps an LLM provider name to its conventional API key
// environment variable.
var keyVarByProvider = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"azure":      "AZURE_OPENAI_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"together":   "TOGETHER_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// Credential is a resolved provider secret.
type Credential struct {
	Provider string
	EnvVar   string
	Value    string
}

// EnvProvider resolves provider API keys from environment variables. An
// optional prefix (for example "SQUADFLOW_") is tried before the bare name.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed credential provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// APIKey resolves the API key for an LLM provider. Unknown providers fall
// back to the variable <PROVIDER>_API_KEY.
func (p *EnvProvider) APIKey(provider string) (*Credential, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	envVar, ok := keyVarByProvider[name]
	if !ok {
		envVar = strings.ToUpper(name) + "_API_KEY"
	}

	if p.prefix != "" {
		if value := os.Getenv(p.prefix + envVar); value != "" {
			return &Credential{Provider: name, EnvVar: p.prefix + envVar, Value: value}, nil
		}
	}
	if value := os.Getenv(envVar); value != "" {
		return &Credential{Provider: name, EnvVar: envVar, Value: value}, nil
	}
	return nil, errors.NotFound("api key for llm provider", provider)
}

// Available returns the providers whose keys are present in the environment.
func (p *EnvProvider) Available() []string {
	var providers []string
	for name := range keyVarByProvider {
		if _, err := p.APIKey(name); err == nil {
			providers = append(providers, name)
		}
	}
	return providers
}
