package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
)

func noEnv(string) string { return "" }

func TestDefaults(t *testing.T) {
	cfg, err := load("", noEnv)
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, model.DefaultLtvPolicy(), cfg.Ltv)
	require.Equal(t, uint64(100), cfg.Oracle.InitialPrice)
	require.Equal(t, "chain-key-bitcoin", cfg.Oracle.Asset)
	require.Equal(t, 30*time.Second, cfg.Gateway.TransferTimeout)
	require.Empty(t, cfg.Auth.Admins)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lending.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = "9000"

[ltv]
numerator = 5000
denominator = 10000
units = "asset"

[oracle]
initial_price = 6400000
feed_url = "https://feed.example/price"
refresh_interval = "1m"

[gateway]
url = "https://bridge.example"
transfer_timeout = "45s"

[auth]
admins = ["ops", " ops ", "", "root"]
`), 0o600))

	env := map[string]string{
		"PORT":         "9100",
		"LEVELDB_PATH": "/var/lib/lending",
	}
	cfg, err := load(path, func(k string) string { return env[k] })
	require.NoError(t, err)

	require.Equal(t, "9100", cfg.Server.Port)
	require.Equal(t, "/var/lib/lending", cfg.Storage.LevelDBPath)
	require.Equal(t, model.LtvPolicy{Numerator: 5000, Denominator: 10000, Units: model.UnitsAsset}, cfg.Ltv)
	require.Equal(t, uint64(6400000), cfg.Oracle.InitialPrice)
	require.Equal(t, time.Minute, cfg.Oracle.RefreshInterval)
	require.Equal(t, 45*time.Second, cfg.Gateway.TransferTimeout)
	require.Equal(t, []string{"ops", "root"}, cfg.Auth.Admins)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		file string
		env  map[string]string
	}{
		"ltv above one":        {file: "[ltv]\nnumerator = 11\ndenominator = 10\n"},
		"unknown units":        {file: "[ltv]\nunits = \"yen\"\n"},
		"refresh without feed": {file: "[oracle]\nrefresh_interval = \"10s\"\n"},
		"two stores":           {env: map[string]string{"DATABASE_URL": "postgres://x", "LEVELDB_PATH": "/tmp/x"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := ""
			if tc.file != "" {
				path = filepath.Join(t.TempDir(), "c.toml")
				require.NoError(t, os.WriteFile(path, []byte(tc.file), 0o600))
			}
			_, err := load(path, func(k string) string { return tc.env[k] })
			require.Error(t, err)
		})
	}
}

func TestAdminsFromEnv(t *testing.T) {
	cfg, err := load("", func(k string) string {
		if k == "LENDING_ADMINS" {
			return "alice, bob,alice"
		}
		return ""
	})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, cfg.Auth.Admins)
}
