package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadflow/squadflow/internal/common/errors"
)

func TestAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	p := NewEnvProvider("")
	cred, err := p.APIKey("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cred.Value)
	assert.Equal(t, "OPENAI_API_KEY", cred.EnvVar)
}

func TestPrefixedVariableWins(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "bare")
	t.Setenv("SQUADFLOW_ANTHROPIC_API_KEY", "prefixed")

	p := NewEnvProvider("SQUADFLOW_")
	cred, err := p.APIKey("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cred.Value)
}

func TestUnknownProviderFallsBackToConvention(t *testing.T) {
	t.Setenv("LOCALAI_API_KEY", "local")

	p := NewEnvProvider("")
	cred, err := p.APIKey("localai")
	require.NoError(t, err)
	assert.Equal(t, "local", cred.Value)
}

func TestMissingKey(t *testing.T) {
	p := NewEnvProvider("")
	_, err := p.APIKey("no-such-provider-xyz")
	assert.True(t, errors.IsNotFound(err))
}
