package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseServer_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	o, err := ParseServer([]string{"-d", "postgres://localhost/hexlock", "--idp-secret", secret})
	require.NoError(t, err)
	assert.Equal(t, "localhost:8443", o.Addr)
	assert.Equal(t, "postgres://localhost/hexlock", o.DatabaseDSN)
	assert.True(t, o.IdP)
	assert.Equal(t, 7*24*time.Hour, o.MaxDelegation)
	assert.Equal(t, time.Hour, o.CleanupInterval)
	assert.Equal(t, "info", o.LogLevel)
}

func TestParseServer_Precedence(t *testing.T) {
	path := writeConfig(t, "server.json", `{
		"addr": "0.0.0.0:9000",
		"database-dsn": "postgres://file/db",
		"idp-secret": "`+secret+`",
		"cleanup-interval": "10m",
		"idp": false
	}`)
	t.Setenv("HEXLOCK_DATABASE_DSN", "postgres://env/db")
	t.Setenv("HEXLOCK_ADDR", "127.0.0.1:7000")

	o, err := ParseServer([]string{"--config", path, "--addr", "127.0.0.1:8000"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8000", o.Addr, "flag wins")
	assert.Equal(t, "postgres://env/db", o.DatabaseDSN, "env wins over file")
	assert.Equal(t, 10*time.Minute, o.CleanupInterval, "file wins over default")
	assert.False(t, o.IdP)
}

func TestParseServer_YAML(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
database-dsn: postgres://yaml/db
idp-secret: `+secret+`
max-delegation: 12h
tls-cert: ""
tls-key: ""
`)
	o, err := ParseServer([]string{"-c", path})
	require.NoError(t, err)
	assert.Equal(t, "postgres://yaml/db", o.DatabaseDSN)
	assert.Equal(t, 12*time.Hour, o.MaxDelegation)
	assert.Empty(t, o.TLSCert)
}

func TestParseServer_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"no dsn", []string{"--idp-secret", secret}},
		{"short secret", []string{"-d", "dsn", "--idp-secret", "short"}},
		{"half tls", []string{"-d", "dsn", "--idp-secret", secret, "--tls-key", ""}},
		{"bad interval", []string{"-d", "dsn", "--idp-secret", secret, "--cleanup-interval", "0s"}},
		{"unknown flag", []string{"--nope"}},
		{"missing named config", []string{"-d", "dsn", "--idp-secret", secret, "-c", "/no/such/config.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServer(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestParseServer_InvalidFileValue(t *testing.T) {
	path := writeConfig(t, "server.json", `{"database-dsn": "dsn", "idp-secret": "`+secret+`", "max-delegation": "forever"}`)
	_, err := ParseServer([]string{"-c", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max-delegation")
}

func TestParseServer_MalformedFile(t *testing.T) {
	path := writeConfig(t, "server.json", `{not json`)
	_, err := ParseServer([]string{"-c", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error while parsing config file")
}

func TestParseClient(t *testing.T) {
	t.Setenv("HEXLOCK_USER", "alice")
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	o, err := ParseClient([]string{"--session-file", sessionFile, "--seal-identity", "id.txt", "--max-session", "1h"})
	require.NoError(t, err)
	assert.Equal(t, "alice", o.LoginHint)
	assert.Equal(t, "https://localhost:8443", o.VaultURL)
	assert.Equal(t, "https://localhost:8443/idp", o.IdentityProviderURL)
	assert.Equal(t, sessionFile, o.SessionFile)
	assert.Equal(t, "id.txt", o.IdentityFile)
	assert.Equal(t, time.Hour, o.MaxSessionLifetime)
	assert.Equal(t, 5*time.Minute, o.LoginTimeout)
}

func TestParseClient_DefaultSessionFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	o, err := ParseClient(nil)
	require.NoError(t, err)
	assert.Equal(t, "session.json", filepath.Base(o.SessionFile))
	assert.Equal(t, "hexlock", filepath.Base(filepath.Dir(o.SessionFile)))
}

func TestParseClient_ConfigFromEnv(t *testing.T) {
	path := writeConfig(t, "client.yml", "vault-url: https://vault.example\nlogin-timeout: 30s\n")
	t.Setenv("HEXLOCK_CONFIG", path)
	t.Setenv("HOME", t.TempDir())

	o, err := ParseClient(nil)
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example", o.VaultURL)
	assert.Equal(t, 30*time.Second, o.LoginTimeout)
}

func TestParseClient_Errors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := ParseClient([]string{"--login-timeout", "0s"})
	assert.Error(t, err)
	_, err = ParseClient([]string{"--vault-url", ""})
	assert.Error(t, err)
}
