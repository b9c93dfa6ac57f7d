package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.NodeDB.OnlineWindow())
	assert.Equal(t, 5*time.Minute, cfg.Session.DefaultMessageTimeout())
	assert.Equal(t, 30*time.Second, cfg.Session.SleepGrace())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "meshlink.toml", content: `
[transport]
kind = "serial"
port = "/dev/ttyUSB0"

[nodedb]
online_window_sec = 600
`},
		{name: "meshlink.yaml", content: `
transport:
  kind: serial
  port: /dev/ttyUSB0
nodedb:
  online_window_sec: 600
`},
		{name: "meshlink.json", content: `{
  "transport": {"kind": "serial", "port": "/dev/ttyUSB0"},
  "nodedb": {"online_window_sec": 600}
}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.name, tt.content))
			require.NoError(t, err)

			assert.Equal(t, TransportSerial, cfg.Transport.Kind)
			assert.Equal(t, "/dev/ttyUSB0", cfg.Transport.Port)
			assert.Equal(t, 115200, cfg.Transport.Baud, "unset fields keep defaults")
			assert.Equal(t, 10*time.Minute, cfg.NodeDB.OnlineWindow())
		})
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load(writeFile(t, "meshlink.ini", "kind=tcp"))
	require.Error(t, err)
}

func TestLoadInvalidTOML(t *testing.T) {
	_, err := Load(writeFile(t, "meshlink.toml", "[transport\nkind="))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESHLINK_TRANSPORT", "SERIAL")
	t.Setenv("MESHLINK_PORT", "/dev/ttyACM0")
	t.Setenv("MESHLINK_BAUD", "921600")
	t.Setenv("MESHLINK_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportSerial, cfg.Transport.Kind)
	assert.Equal(t, "/dev/ttyACM0", cfg.Transport.Port)
	assert.Equal(t, 921600, cfg.Transport.Baud)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "ble" }, field: "transport.kind"},
		{name: "serial without port", mutate: func(c *Config) { c.Transport.Kind = TransportSerial }, field: "transport.port"},
		{name: "tcp without addr", mutate: func(c *Config) { c.Transport.Addr = "" }, field: "transport.addr"},
		{name: "zero early cap", mutate: func(c *Config) { c.Session.MaxEarlyPackets = 0 }, field: "session.max_early_packets"},
		{name: "negative grace", mutate: func(c *Config) { c.Session.SleepGraceSec = -1 }, field: "session.sleep_grace_sec"},
		{name: "zero online window", mutate: func(c *Config) { c.NodeDB.OnlineWindowSec = 0 }, field: "nodedb.online_window_sec"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, field: "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := writeFile(t, "meshlink.toml", "[nodedb]\nonline_window_sec = 600\n")
	l := NewLoader(path)
	t.Cleanup(func() { l.Close() })

	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 600, cfg.NodeDB.OnlineWindowSec)

	changed := make(chan *Config, 1)
	l.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[nodedb]\nonline_window_sec = 120\n"), 0o600))

	select {
	case c := <-changed:
		assert.Equal(t, 120, c.NodeDB.OnlineWindowSec)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Equal(t, 120, l.Config().NodeDB.OnlineWindowSec)
}

func TestLoaderKeepsConfigOnBadReload(t *testing.T) {
	path := writeFile(t, "meshlink.toml", "[nodedb]\nonline_window_sec = 600\n")
	l := NewLoader(path)
	t.Cleanup(func() { l.Close() })
	_, err := l.Load()
	require.NoError(t, err)
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[nodedb]\nonline_window_sec = -5\n"), 0o600))

	select {
	case err := <-l.Errors():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	assert.Equal(t, 600, l.Config().NodeDB.OnlineWindowSec)
}
