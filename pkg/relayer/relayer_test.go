package relayer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"erc20-relay/pkg/shared"
)

func TestMetricsDisabledWithoutAPIKey(t *testing.T) {
	t.Setenv("DD_API_KEY", "")
	assert.Nil(t, NewMetricsFromEnv("0xabc"))
}

func TestMetricsEnabledWithAPIKey(t *testing.T) {
	t.Setenv("DD_API_KEY", "test-key")
	m := NewMetricsFromEnv("0xabc")
	assert.NotNil(t, m)
	assert.NotNil(t, m.SubmissionHook(shared.Home))
}

func TestTryCloseAllBeforeStart(t *testing.T) {
	r := NewRelayer(&Options{})
	assert.NoError(t, r.TryCloseAll())
}
