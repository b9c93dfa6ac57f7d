package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seedStore(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshlink.db")
	t.Setenv("MESHLINK_STORAGE_PATH", path)

	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(db))

	heard := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveSnapshot(&mesh.Snapshot{
		Nodes: []*mesh.NodeRecord{
			{Num: 1, User: &mesh.Identity{ID: "!00000001", LongName: "Base"}, LastHeard: heard},
			{Num: 2, Position: &mesh.Position{Latitude: 60.1699, Longitude: 24.9384}},
		},
		History: []*mesh.Message{
			{From: "!00000001", To: "!00000002", ID: 7, Time: heard, DataType: mesh.DataClearText, Payload: []byte("first"), Status: mesh.StatusDelivered},
			{From: "!00000002", To: "!00000001", ID: 8, Time: heard, DataType: mesh.DataOpaque, Payload: []byte{1, 2, 3}, Status: mesh.StatusReceived},
		},
	}))
}

func TestVersionShort(t *testing.T) {
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestNodesCommand(t *testing.T) {
	seedStore(t)

	out, err := execute(t, "nodes")
	require.NoError(t, err)

	assert.Contains(t, out, "!00000001")
	assert.Contains(t, out, "Base")
	assert.Contains(t, out, "60.16990,24.93840")
	assert.Contains(t, out, "never")
}

func TestHistoryCommand(t *testing.T) {
	seedStore(t)

	out, err := execute(t, "history", "-n", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "<opaque, 3 bytes>")

	out, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "delivered")

	_, err = execute(t, "history", "-n", "0")
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	cmd := runCmd(new(string))
	require.NoError(t, cmd.ParseFlags([]string{"--port", "/dev/ttyACM0", "--listen", ":9000"}))

	var f runFlags
	f.port, _ = cmd.Flags().GetString("port")
	f.listen, _ = cmd.Flags().GetString("listen")

	cfg := config.DefaultConfig()
	require.NoError(t, applyFlags(cmd, cfg, f))

	assert.Equal(t, config.TransportSerial, cfg.Transport.Kind, "a serial port implies the serial transport")
	assert.Equal(t, "/dev/ttyACM0", cfg.Transport.Port)
	assert.Equal(t, ":9000", cfg.Gateway.ListenAddr)
	assert.Equal(t, "localhost:4403", cfg.Transport.Addr, "unchanged flags keep config values")
}

func TestApplyFlagsValidates(t *testing.T) {
	cmd := runCmd(new(string))
	require.NoError(t, cmd.ParseFlags([]string{"--transport", "serial"}))

	err := applyFlags(cmd, config.DefaultConfig(), runFlags{transport: "serial"})

	var verrs config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = newLogger(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}
