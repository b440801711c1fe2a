package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c, "every option of the default file is disabled")

	path, err := GetConfigFilePath(configFile)
	require.NoError(t, err)
	assert.FileExists(t, path)

	assert.Equal(t, []string{SystemExtensionDir, filepath.Join(filepath.Dir(path), extDir)}, c.ExtensionSearchPath())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breakoscope.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend-command: lldb-dap
package-manager: dpkg
extension-dirs: [/opt/ext, /srv/ext]
output-format: yaml
`), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		BackendCommand: "lldb-dap",
		PackageManager: "dpkg",
		ExtensionDirs:  []string{"/opt/ext", "/srv/ext"},
		OutputFormat:   "yaml",
	}, c)
	search := c.ExtensionSearchPath()
	assert.Equal(t, []string{"/opt/ext", "/srv/ext"}, search[len(search)-2:])
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "typo.yml")
	require.NoError(t, os.WriteFile(path, []byte("backend-comand: gdb\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoadConfigWithoutHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c)
	assert.Equal(t, []string{SystemExtensionDir}, c.ExtensionSearchPath())
}

func TestLoadConfigUnwritableHome(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	defer os.Chmod(dir, 0o700)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c)
}
