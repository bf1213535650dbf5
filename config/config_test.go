package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, uint16(DefaultPort), c.Port())
	assert.Equal(t, DefaultServerName, c.ServerName())
	assert.Equal(t, "", c.ServerNote())
	assert.Equal(t, DefaultStage, c.Stage())
	assert.Equal(t, DefaultCapacity, c.Capacity())
	assert.False(t, c.IsPublic())
	assert.Equal(t, DefaultReceiveLimit1, c.ReceiveLimit1())
	assert.Equal(t, DefaultReceiveLimit2, c.ReceiveLimit2())
	assert.Empty(t, c.BlockingAddressPatterns())
	assert.Equal(t, "lobby:servers", c.LobbyConfig().Key)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"port": 40000,
		"server_name": "Test Server",
		"server_note": "weekend only",
		"stage": "stage:harbor",
		"capacity": 8,
		"public": true,
		"receive_limit_1": 30,
		"receive_limit_2": 50,
		"blocking_address_patterns": ["10.0.0.*", "192.168.*"],
		"lobby": {"address": "localhost:6379", "interval_seconds": 5, "ttl_seconds": 15}
	}`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(40000), c.Port())
	assert.Equal(t, "Test Server", c.ServerName())
	assert.Equal(t, "weekend only", c.ServerNote())
	assert.Equal(t, "stage:harbor", c.Stage())
	assert.Equal(t, 8, c.Capacity())
	assert.True(t, c.IsPublic())
	assert.Equal(t, 30, c.ReceiveLimit1())
	assert.Equal(t, 50, c.ReceiveLimit2())
	assert.Equal(t, []string{"10.0.0.*", "192.168.*"}, c.BlockingAddressPatterns())

	lobby := c.LobbyConfig()
	assert.Equal(t, "localhost:6379", lobby.Address)
	assert.Equal(t, 5, lobby.IntervalSeconds)
	assert.Equal(t, 15, lobby.TTLSeconds)
	assert.Equal(t, "lobby:servers", lobby.Key)
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"port": `)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestZeroValuesAreRespected(t *testing.T) {
	// An explicit zero differs from a missing key.
	path := writeConfig(t, t.TempDir(), `{"capacity": 0, "server_note": ""}`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Capacity())
	assert.Equal(t, DefaultPort, int(c.Port()))
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"capacity": 5}`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, c.Capacity())

	t.Run("UnchangedFileIsNotReloaded", func(t *testing.T) {
		reloaded, err := c.Reload()
		require.NoError(t, err)
		assert.False(t, reloaded)
	})

	t.Run("NewerFileIsReloaded", func(t *testing.T) {
		writeConfig(t, dir, `{"capacity": 9}`)
		future := time.Now().Add(2 * time.Second)
		require.NoError(t, os.Chtimes(path, future, future))

		reloaded, err := c.Reload()
		require.NoError(t, err)
		assert.True(t, reloaded)
		assert.Equal(t, 9, c.Capacity())
	})

	t.Run("DeletedFileKeepsValues", func(t *testing.T) {
		require.NoError(t, os.Remove(path))
		reloaded, err := c.Reload()
		require.NoError(t, err)
		assert.False(t, reloaded)
		assert.Equal(t, 9, c.Capacity())
	})
}
