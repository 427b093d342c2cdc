package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, definitionsDir string) string {
	t.Helper()

	deploy, err := filepath.Abs("../../deploy")
	require.NoError(t, err)
	if definitionsDir == "" {
		definitionsDir = filepath.Join(deploy, "definitions")
	}

	cfg := `
server:
  port: 8080
identity:
  issuer: https://auth.test/
  audience: careportal
  jwks_url: https://auth.test/jwks.json
definitions:
  directories: [` + definitionsDir + `]
catalog:
  driver: memory
  directory: ` + filepath.Join(deploy, "catalog") + `
capability:
  static_policy_file: ` + filepath.Join(deploy, "policy.yaml") + `
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand_deployDefinitions(t *testing.T) {
	out, err := run(t, "validate", "--config", writeConfig(t, ""))
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 2 definition files, 3 workflows")
}

func TestValidateCommand_reportsDefinitionErrors(t *testing.T) {
	dir := t.TempDir()
	broken := `
domain: broken
version: "1.0.0"
workflows:
  - id: broken.flow
    name: Broken
    steps:
      - id: details
        name: Details
        type: details
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(broken), 0o600))

	out, err := run(t, "validate", "--config", writeConfig(t, dir))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definition errors")
	assert.Contains(t, out, "definitions[0].workflows[0]")
}

func TestValidateCommand_missingConfig(t *testing.T) {
	_, err := run(t, "validate", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_flagOverrides(t *testing.T) {
	v := viper.New()
	v.Set("config", writeConfig(t, ""))
	v.Set("port", 9191)
	v.Set("log-level", "debug")

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoadConfig_rejectsInvalidPort(t *testing.T) {
	v := viper.New()
	v.Set("config", writeConfig(t, ""))
	v.Set("port", 70000)

	_, err := loadConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
