package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewCamlinkCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "camlink dev")
}

func TestRunCommand_RejectsInvalidFlags(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "camlink.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("role: view\n"), 0o644))

	cmd := NewCamlinkCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", cfgPath, "--connection", "carrier-pigeon"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRunCommand_RejectsBrokenConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "camlink.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("role: [\n"), 0o644))

	cmd := NewCamlinkCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", cfgPath})

	assert.Error(t, cmd.Execute())
}
