// Package config loads the server's JSON configuration file, applies
// defaults for missing keys, and supports mtime-based hot reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultPath is where the server looks for its configuration by default.
const DefaultPath = "./config.json"

// Default values applied for keys absent from the file.
const (
	DefaultPort          = 39390
	DefaultServerName    = "MMO Server"
	DefaultStage         = "stage:default"
	DefaultCapacity      = 20
	DefaultReceiveLimit1 = 600
	DefaultReceiveLimit2 = 1000
)

// Lobby configures the optional public-presence announcer. A server with an
// empty lobby address never announces itself.
type Lobby struct {
	// Address is the Redis host:port of the lobby directory.
	Address string `json:"address"`

	// Password is the Redis auth password, empty for none.
	Password string `json:"password"`

	// DB is the Redis database index.
	DB int `json:"db"`

	// Key is the directory key the server's status is published under;
	// the server name is appended.
	Key string `json:"key"`

	// IntervalSeconds is how often the status is re-published.
	IntervalSeconds int `json:"interval_seconds"`

	// TTLSeconds is how long a published entry stays valid without refresh.
	TTLSeconds int `json:"ttl_seconds"`
}

// fileConfig is the raw JSON shape of config.json.
type fileConfig struct {
	Port                    *uint16  `json:"port"`
	ServerName              *string  `json:"server_name"`
	ServerNote              *string  `json:"server_note"`
	Stage                   *string  `json:"stage"`
	Capacity                *int     `json:"capacity"`
	Public                  *bool    `json:"public"`
	ReceiveLimit1           *int     `json:"receive_limit_1"`
	ReceiveLimit2           *int     `json:"receive_limit_2"`
	BlockingAddressPatterns []string `json:"blocking_address_patterns"`
	Lobby                   *Lobby   `json:"lobby"`
}

// Config is the loaded server configuration. Accessors are safe for
// concurrent use with Reload.
type Config struct {
	path string

	mu            sync.RWMutex
	modTime       time.Time
	port          uint16
	serverName    string
	serverNote    string
	stage         string
	capacity      int
	public        bool
	receiveLimit1 int
	receiveLimit2 int
	blockPatterns []string
	lobby         Lobby
}

// Load reads the configuration file at path. A missing file is not an
// error; every key falls back to its default. A present but malformed file
// is an error.
//
// Parameters:
//   - path: The configuration file path (DefaultPath for the usual location)
//
// Returns:
//   - The Config, or an error if the file exists but cannot be parsed
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.load(); err != nil {
		return nil, err
	}

	return c, nil
}

// Reload re-reads the file if its modification time advanced since the last
// load. A missing or malformed file leaves the current values untouched.
//
// Returns:
//   - Whether the configuration was actually reloaded
//   - An error if the changed file could not be parsed
func (c *Config) Reload() (bool, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return false, nil
	}

	c.mu.RLock()
	stale := info.ModTime().After(c.modTime)
	c.mu.RUnlock()
	if !stale {
		return false, nil
	}

	if err := c.load(); err != nil {
		return false, err
	}

	return true, nil
}

func (c *Config) load() error {
	var fc fileConfig
	modTime := time.Time{}

	data, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return fmt.Errorf("config: read %s: %w", c.path, err)
	default:
		if err := json.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("config: parse %s: %w", c.path, err)
		}

		if info, err := os.Stat(c.path); err == nil {
			modTime = info.ModTime()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.modTime = modTime
	c.port = valueOr(fc.Port, uint16(DefaultPort))
	c.serverName = valueOr(fc.ServerName, DefaultServerName)
	c.serverNote = valueOr(fc.ServerNote, "")
	c.stage = valueOr(fc.Stage, DefaultStage)
	c.capacity = valueOr(fc.Capacity, DefaultCapacity)
	c.public = valueOr(fc.Public, false)
	c.receiveLimit1 = valueOr(fc.ReceiveLimit1, DefaultReceiveLimit1)
	c.receiveLimit2 = valueOr(fc.ReceiveLimit2, DefaultReceiveLimit2)
	c.blockPatterns = fc.BlockingAddressPatterns

	c.lobby = Lobby{Key: "lobby:servers", IntervalSeconds: 30, TTLSeconds: 90}
	if fc.Lobby != nil {
		c.lobby = *fc.Lobby
		if c.lobby.Key == "" {
			c.lobby.Key = "lobby:servers"
		}
		if c.lobby.IntervalSeconds <= 0 {
			c.lobby.IntervalSeconds = 30
		}
		if c.lobby.TTLSeconds <= 0 {
			c.lobby.TTLSeconds = 90
		}
	}

	return nil
}

func valueOr[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}

	return *v
}

// Port returns the TCP and UDP listen port.
func (c *Config) Port() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

// ServerName returns the display name announced to clients and lobbies.
func (c *Config) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// ServerNote returns the free-form note shown in server listings.
func (c *Config) ServerNote() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverNote
}

// Stage returns the stage identifier clients load on join.
func (c *Config) Stage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stage
}

// Capacity returns the maximum number of concurrently registered sessions.
func (c *Config) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// IsPublic reports whether the server announces itself to lobby lists.
func (c *Config) IsPublic() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.public
}

// ReceiveLimit1 returns the soft read-rate threshold in bytes per second;
// sessions above it are logged.
func (c *Config) ReceiveLimit1() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.receiveLimit1
}

// ReceiveLimit2 returns the hard read-rate threshold in bytes per second;
// sessions above it are banished.
func (c *Config) ReceiveLimit2() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.receiveLimit2
}

// BlockingAddressPatterns returns the wildcard patterns rejected at accept.
func (c *Config) BlockingAddressPatterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.blockPatterns...)
}

// LobbyConfig returns the announcer settings.
func (c *Config) LobbyConfig() Lobby {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lobby
}
