package util

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty working directory with an isolated
// home, so neither a stray config.yaml nor ~/.config/agora leaks in.
func inTempDir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func writeConfig(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(ConfigFileName, []byte(content), 0644))
}

func TestConfigConstants(t *testing.T) {
	assert.Equal(t, "agora", Name)
	assert.Equal(t, "config.yaml", ConfigFileName)
}

func TestReadConfWithYaml(t *testing.T) {
	inTempDir(t)
	writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: forum.example
  protocol: https
  withAp: true
federation:
  allowedInstances: [remote.example, other.tld]
  refreshInterval: 10s
  recursionBudget: 3
site:
  slurFilter: "(badword)"
`)

	config, err := ReadConf(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", config.Conf.Host)
	assert.Equal(t, 9999, config.Conf.HttpPort)
	assert.Equal(t, "forum.example", config.Domain())
	assert.True(t, config.Conf.WithAp)
	assert.Equal(t, []string{"remote.example", "other.tld"}, config.Federation.AllowedInstances)
	assert.Equal(t, 10*time.Second, config.Federation.RefreshInterval)
	assert.Equal(t, 3, config.Federation.RecursionBudget)
	assert.Equal(t, "(badword)", config.Site.SlurFilter)

	// Values the file leaves out come from the embedded defaults.
	assert.Equal(t, 8, config.Federation.Lanes)
	assert.Equal(t, "database.db", config.Conf.DatabasePath)
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	inTempDir(t)
	writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  withAp: false
`)
	t.Setenv("AGORA_HOST", "192.168.1.1")
	t.Setenv("AGORA_HTTPPORT", "8080")
	t.Setenv("AGORA_SSLDOMAIN", "test.example.com")
	t.Setenv("AGORA_WITH_AP", "true")
	t.Setenv("AGORA_BLOCKED_INSTANCES", "spam.tld, evil.tld")
	t.Setenv("AGORA_REFRESH_INTERVAL", "1h")

	config, err := ReadConf(nil)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", config.Conf.Host)
	assert.Equal(t, 8080, config.Conf.HttpPort)
	assert.Equal(t, "test.example.com", config.Conf.SslDomain)
	assert.True(t, config.Conf.WithAp)
	assert.Equal(t, []string{"spam.tld", "evil.tld"}, config.Federation.BlockedInstances)
	assert.Equal(t, time.Hour, config.Federation.RefreshInterval)
}

func TestReadConfMissingFileUsesDefaults(t *testing.T) {
	inTempDir(t)

	config, err := ReadConf(nil)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, config.Federation.RefreshInterval)
	assert.Equal(t, 10, config.Federation.RecursionBudget)
	assert.Equal(t, "127.0.0.1:9999", config.Domain())
}

func TestReadConfRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{
			name: "invalid yaml",
			yaml: "conf:\n  host: 127.0.0.1\n  httpPort: not_a_number\n  invalid yaml structure\n",
		},
		{
			name: "invalid port env",
			yaml: "conf:\n  host: 127.0.0.1\n",
			env:  map[string]string{"AGORA_HTTPPORT": "not_a_number"},
		},
		{
			name: "unknown protocol",
			yaml: "conf:\n  protocol: gopher\n",
		},
		{
			name: "zero budget",
			yaml: "federation:\n  recursionBudget: 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTempDir(t)
			writeConfig(t, tt.yaml)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ReadConf(nil)
			assert.Error(t, err)
		})
	}
}
