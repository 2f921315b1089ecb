package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_RefusesMemoryRemoteWithoutDev(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sync", "--participant", "p1", "--remote", "memory"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_memory")
}

func TestRootCmd_RequiresRemoteKind(t *testing.T) {
	t.Setenv("SOCIALSCOPE_REMOTE_KIND", "")
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"purge", "--participant", "p1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.kind is required")
}

func TestRootCmd_Version(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
}
