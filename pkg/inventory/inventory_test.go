package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.toml")
	content := `
[hosts.web1]
host = "10.0.0.12"
user = "deploy"
port = 2222
key_path = "/etc/keys/deploy"

[hosts.db]
user = "postgres"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	inv, err := Load(path)
	require.NoError(t, err)

	web, ok := inv.Lookup("web1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.12", web.Host)
	require.Equal(t, "deploy", web.User)
	require.Equal(t, 2222, web.Port)
	require.Equal(t, "/etc/keys/deploy", web.KeyPath)

	db, ok := inv.Lookup("db")
	require.True(t, ok)
	require.Equal(t, "postgres", db.User)
	require.Zero(t, db.Port)

	_, ok = inv.Lookup("absent")
	require.False(t, ok)
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.toml")
	require.NoError(t, os.WriteFile(path, []byte("[hosts.x]\nport = 99999\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
