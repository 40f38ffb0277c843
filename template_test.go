package mqcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteTopicTokens(t *testing.T) {
	got, err := SubstituteTopicTokens("svc/{executorId}/cmd/{name}", map[string]string{
		"executorId": "exec-1",
		"name":       "reboot",
	})
	require.NoError(t, err)
	assert.Equal(t, "svc/exec-1/cmd/reboot", got)
}

func TestSubstituteTopicTokensNoTokens(t *testing.T) {
	got, err := SubstituteTopicTokens("svc/static/topic", nil)
	require.NoError(t, err)
	assert.Equal(t, "svc/static/topic", got)
}

func TestSubstituteTopicTokensMissing(t *testing.T) {
	_, err := SubstituteTopicTokens("svc/{executorId}/cmd", map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, KindHeaderMissing)
}
