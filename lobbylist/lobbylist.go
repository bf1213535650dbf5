// Package lobbylist announces a public server to a Redis-backed lobby
// directory. Each server periodically publishes its status JSON under a
// per-server key with a TTL, so a crashed server ages out of the directory
// without explicit cleanup.
package lobbylist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/mmoserver/config"
	"github.com/cyberinferno/mmoserver/logger"
)

// StatusFunc supplies the current status document to publish.
type StatusFunc func() []byte

// Announcer publishes a server's presence to the lobby directory.
type Announcer struct {
	cfg    *config.Config
	log    logger.Logger
	status StatusFunc
	client *redis.Client
	group  singleflight.Group
}

// New creates an Announcer for the configured lobby directory.
//
// Parameters:
//   - cfg: Server configuration; the lobby settings are re-read every cycle
//     so a config reload takes effect without a restart
//   - status: Supplies the status document, typically Server.StatusJSON
//   - log: Logger for announcer events
//
// Returns:
//   - A new Announcer; call Run to start publishing.
func New(cfg *config.Config, status StatusFunc, log logger.Logger) *Announcer {
	lobby := cfg.LobbyConfig()
	return &Announcer{
		cfg:    cfg,
		log:    log,
		status: status,
		client: redis.NewClient(&redis.Options{
			Addr:     lobby.Address,
			Password: lobby.Password,
			DB:       lobby.DB,
		}),
	}
}

// Run publishes the server's status immediately and then on every interval
// tick until ctx is cancelled. Publish failures are logged and retried on
// the next tick; a lobby outage never takes the server down. On shutdown
// the directory entry is removed best effort.
func (a *Announcer) Run(ctx context.Context) error {
	defer func() {
		// The entry would expire on its own; removing it keeps the
		// directory current through orderly shutdowns.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.client.Del(cleanupCtx, a.key()).Err(); err != nil {
			a.log.Debug("lobby entry cleanup failed", logger.F("error", err.Error()))
		}
		_ = a.client.Close()
	}()

	a.publish(ctx)

	interval := time.Duration(a.cfg.LobbyConfig().IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.publish(ctx)

			if next := time.Duration(a.cfg.LobbyConfig().IntervalSeconds) * time.Second; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Refresh republishes the directory entry immediately, outside the ticker.
// Concurrent callers are collapsed into a single publish.
//
// Returns:
//   - The publish error, if any.
func (a *Announcer) Refresh(ctx context.Context) error {
	_, err, _ := a.group.Do(a.key(), func() (interface{}, error) {
		lobby := a.cfg.LobbyConfig()
		ttl := time.Duration(lobby.TTLSeconds) * time.Second
		return nil, a.client.Set(ctx, a.key(), a.status(), ttl).Err()
	})
	return err
}

func (a *Announcer) publish(ctx context.Context) {
	lobby := a.cfg.LobbyConfig()
	ttl := time.Duration(lobby.TTLSeconds) * time.Second

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.client.Set(publishCtx, a.key(), a.status(), ttl).Err(); err != nil {
		a.log.Warn("lobby publish failed",
			logger.F("key", a.key()),
			logger.F("error", err.Error()))
		return
	}

	a.log.Debug("lobby entry published", logger.F("key", a.key()))
}

// key is the directory entry for this server: the configured directory key
// with the server name appended.
func (a *Announcer) key() string {
	return fmt.Sprintf("%s:%s", a.cfg.LobbyConfig().Key, a.cfg.ServerName())
}
