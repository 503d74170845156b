package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvRequiresBucket(t *testing.T) {
	t.Setenv(EnvBucketID, "")
	t.Setenv(EnvServiceToken, "tok")

	_, err := ConfigFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvBucketID)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvBucketID, "bucket-42")
	t.Setenv(EnvWorkspacePath, "")
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvContainerID, "c-1")
	t.Setenv(EnvServiceToken, "tok")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/workspace", cfg.WorkspacePath)
	assert.Equal(t, "bucket-42", cfg.BucketID)
	assert.Equal(t, "c-1", cfg.ContainerID)
	assert.Equal(t, "tok", cfg.Token)
	assert.NotZero(t, cfg.ShortDebounce)
	assert.Greater(t, cfg.LongDebounce, cfg.ShortDebounce)
	assert.NotZero(t, cfg.InitialSyncTimeout)
}

func TestRewriteLoopbackOutsideContainer(t *testing.T) {
	// The test suite does not run inside a container sandbox, so loopback
	// URLs must pass through untouched.
	assert.Equal(t, "http://127.0.0.1:8443", rewriteLoopback("http://127.0.0.1:8443"))
	assert.Equal(t, "http://backend:8443", rewriteLoopback("http://backend:8443"))
	assert.Equal(t, "", rewriteLoopback(""))
}
