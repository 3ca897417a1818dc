package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`storage:
  type: file
  file:
    baseDir: %s
sources:
  - name: payments
    index: payments-*
    fields: [amount, status]
  - name: network
    index: network-*
    fields: [host]
compositions:
  - name: core
    members: [payments, network]
`, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd_JSON(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "version", "--format", "json")
	require.NoError(t, err)

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")
}

func TestVersionCmd_Text(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "federation-api ")
}

func TestPrimeAndSources(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t)

	out, err := execute(t, "prime", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created: 3, updated: 0, unchanged: 0")

	out, err = execute(t, "prime", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created: 0, updated: 0, unchanged: 3")

	out, err = execute(t, "sources", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "payments-*")
	assert.Contains(t, out, "payments, network")

	out, err = execute(t, "sources", "--config", path, "--kind", "composition")
	require.NoError(t, err)
	assert.Contains(t, out, "core")
	assert.NotContains(t, out, "network-*")
}

func TestSourcesCmd_InvalidKind(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "sources", "--config", writeTestConfig(t), "--kind", "index")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--kind must be")
}

func TestCommands_RequireConfig(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"prime", "sources", "serve"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := execute(t, name)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "a configuration file is required")
		})
	}
}
