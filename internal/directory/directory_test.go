package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "employee.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRoster(t *testing.T) {
	path := writeRoster(t, `
default_employee_id = "dowhiz"

[[employees]]
id = "dowhiz"
display_name = "DoWhiz"
runner = "codex"
model = "gpt-5"
addresses = ["DoWhiz@Example.com", "U0123BOT"]

[[employees]]
id = "scout"
runner = "local"
addresses = ["scout@example.com"]
[employees.channels]
discord = false
`)
	d, err := Load(path)
	require.NoError(t, err)

	emp, ok := d.ByAddress("dowhiz@EXAMPLE.COM")
	require.True(t, ok)
	assert.Equal(t, "dowhiz", emp.ID)
	assert.True(t, emp.HasAddress(" u0123bot "))

	def, ok := d.Default()
	require.True(t, ok)
	assert.Equal(t, "dowhiz", def.ID)

	scout, ok := d.Get("scout")
	require.True(t, ok)
	assert.False(t, scout.Channels.Enabled("discord"))
	assert.True(t, scout.Channels.Enabled("slack"))
	assert.Len(t, d.All(), 2)
}

func TestLoadRejectsAddressCollision(t *testing.T) {
	path := writeRoster(t, `
[[employees]]
id = "a"
addresses = ["shared@example.com"]

[[employees]]
id = "b"
addresses = ["SHARED@example.com"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared@example.com")
}

func TestLoadRejectsUnknownRunner(t *testing.T) {
	path := writeRoster(t, `
[[employees]]
id = "a"
runner = "cursor"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefaultRunnerIsCodex(t *testing.T) {
	path := writeRoster(t, `
[[employees]]
id = "a"
addresses = ["a@example.com"]
`)
	d, err := Load(path)
	require.NoError(t, err)
	emp, _ := d.Get("a")
	assert.Equal(t, RunnerCodex, emp.Runner)
}
