package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNormalizeFillsEverything(t *testing.T) {
	c := Default()
	assert.Equal(t, DefaultMaxNodes, c.MaxNodes)
	assert.Equal(t, DefaultEventMaxCount, c.EventMaxCount)
	assert.Equal(t, DefaultEventBusName, c.EventBusName)
	assert.Equal(t, DefaultRegistryName, c.RegistryName)
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsBadNames(t *testing.T) {
	c := Default()
	c.EventBusName = "missing-leading-slash"
	assert.Error(t, c.Validate())

	c = Default()
	c.MaxNodes = 0
	assert.Error(t, c.Validate())
}

func TestLoadYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shmros.yaml")
	content := []byte("domain_id: 7\nnamespace: lab\nmax_nodes: 10\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	c, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, 7, c.DomainID)
	assert.Equal(t, "lab", c.Namespace)
	assert.Equal(t, 10, c.MaxNodes)
	// unset fields still get defaulted
	assert.Equal(t, DefaultEventMaxCount, c.EventMaxCount)
}

func TestFeedEnvOverridesFields(t *testing.T) {
	c := Default()
	t.Setenv("SHMROS_MAX_NODES", "99")
	t.Setenv("SHMROS_NAMESPACE", "override")

	require.NoError(t, FeedEnv(c, "SHMROS_"))
	assert.Equal(t, 99, c.MaxNodes)
	assert.Equal(t, "override", c.Namespace)
}
