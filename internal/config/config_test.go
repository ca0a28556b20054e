package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "nexusd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const minimal = `
dsn: postgres://u:p@localhost:5432/nexus
ticket_key: sekrit
files:
  shared_root: /srv/nexus/files
session:
  tls: {cert_path: cert.pem, key_path: key.pem}
transfer:
  tls: {cert_path: cert.pem, key_path: key.pem}
`

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Parallel()
	c, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	require.Equal(t, "nexusd", c.Name)
	require.Equal(t, ":7500", c.Session.Bind)
	require.Equal(t, ":7501", c.Transfer.Bind)
	require.Equal(t, 10, c.Limits.MaxConnsPerIP)
	require.Equal(t, 5, c.Limits.MaxTransfersPerIP)
	require.Equal(t, time.Duration(0), c.Limits.ReindexInterval, "reindex disabled by default")
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()
	c, err := Load(writeConfig(t, minimal+`
name: The Board
limits:
  max_transfers_per_ip: 2
  reindex_interval: 15m
channels:
  persistent: ["#lobby"]
`))
	require.NoError(t, err)
	require.Equal(t, "The Board", c.Name)
	require.Equal(t, 2, c.Limits.MaxTransfersPerIP)
	require.Equal(t, 15*time.Minute, c.Limits.ReindexInterval)
	require.Equal(t, []string{"#lobby"}, c.Channels.Persistent)
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"missing dsn":        "ticket_key: x\nfiles: {shared_root: /x}\nsession: {tls: {cert_path: c, key_path: k}}\ntransfer: {tls: {cert_path: c, key_path: k}}",
		"missing ticket key": "dsn: d\nfiles: {shared_root: /x}\nsession: {tls: {cert_path: c, key_path: k}}\ntransfer: {tls: {cert_path: c, key_path: k}}",
		"missing tls":        "dsn: d\nticket_key: x\nfiles: {shared_root: /x}",
		"missing root":       "dsn: d\nticket_key: x\nsession: {tls: {cert_path: c, key_path: k}}\ntransfer: {tls: {cert_path: c, key_path: k}}",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	_, err = Load("")
	require.Error(t, err)
}
