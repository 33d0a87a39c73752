package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesComponentDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.Pool.GenericTarget)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.Equal(t, 10, cfg.Sched.BatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadWithoutFileOrFlagsReturnsDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default().NodeID, cfg.NodeID)
}

func TestLoadAppliesFlagOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Set("node-id", "node-test"))
	require.NoError(t, flags.Set("host-base-url", "http://host.example"))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "node-test", cfg.NodeID)
	assert.Equal(t, "http://host.example", cfg.Host.BaseURL)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	_, err := Load("/nonexistent/sandboxd.yaml", nil)
	require.NoError(t, err)
}
