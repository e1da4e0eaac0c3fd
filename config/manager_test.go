package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(`
listen_address: 0.0.0.0:7300
index_address: index:7301
realm_address: realm:7302
sweep_interval: 1m
topology:
  - /etc/nx/topology
log_level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7300", m.ListenAddress)
	assert.Equal(t, time.Minute, m.SweepInterval)
	assert.Equal(t, []string{"/etc/nx/topology"}, m.Topology)
	assert.Equal(t, zapcore.DebugLevel, m.Level())

	empty, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, &Manager{}, empty)

	_, err = Parse(strings.NewReader("listen_adress: typo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_adress")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manager.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index_address: index:7301\nrpc_timeout: 3s\n"), 0o600))

	m, err := Load(path, env(map[string]string{
		EnvPrefix + "REALM_ADDRESS":  " realm:7302 ",
		EnvPrefix + "SWEEP_INTERVAL": "5s",
		EnvPrefix + "TOPOLOGY":       strings.Join([]string{"/a", "/b"}, string(os.PathListSeparator)),
	}))
	require.NoError(t, err)
	assert.Equal(t, "index:7301", m.IndexAddress)
	assert.Equal(t, "realm:7302", m.RealmAddress)
	assert.Equal(t, 3*time.Second, m.RPCTimeout)
	assert.Equal(t, 5*time.Second, m.SweepInterval)
	assert.Equal(t, []string{"/a", "/b"}, m.Topology)
	assert.Equal(t, DefaultListenAddress, m.ListenAddress)
	assert.Equal(t, DefaultHTTPAddress, m.HTTPAddress)
	assert.Equal(t, zapcore.InfoLevel, m.Level())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	_, err := Load("", env(map[string]string{
		EnvPrefix + "SWEEP_INTERVAL": "soon",
		EnvPrefix + "RPC_TIMEOUT":    "10",
	}))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), EnvPrefix+"SWEEP_INTERVAL")
}

func TestValidate(t *testing.T) {
	m := &Manager{LogLevel: "loud", RootDriverURL: "root.cm"}
	m.SetDefaults()
	errs := multierr.Errors(m.Validate())
	require.Len(t, errs, 4)
	assert.Contains(t, errs[0].Error(), "index_address")
	assert.Contains(t, errs[1].Error(), "realm_address")
	assert.Contains(t, errs[2].Error(), "log_level")
	assert.Contains(t, errs[3].Error(), "root_driver_url")
	assert.Equal(t, zapcore.InfoLevel, m.Level())

	ok := &Manager{IndexAddress: "i", RealmAddress: "r", RootDriverURL: "fuchsia-boot:///platform-bus#meta/platform-bus.cm"}
	ok.SetDefaults()
	assert.NoError(t, ok.Validate())
}
