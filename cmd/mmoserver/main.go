// Command mmoserver runs the session server: TCP command sessions with the
// UDP side channel, and, for public servers, the lobby directory announcer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/mmoserver/account"
	"github.com/cyberinferno/mmoserver/config"
	"github.com/cyberinferno/mmoserver/lobbylist"
	"github.com/cyberinferno/mmoserver/logger"
	"github.com/cyberinferno/mmoserver/server"
	"github.com/cyberinferno/mmoserver/signature"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the configuration file")
	keyPath := flag.String("key", "./server_key", "path to the signing key, created if missing")
	logDir := flag.String("log-dir", "./logs", "directory for daily log files")
	logLevel := flag.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")
	flag.Parse()

	if err := run(*configPath, *keyPath, *logDir, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "mmoserver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, keyPath, logDir, logLevel string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	log, err := logger.NewFile("mmoserver", logDir, level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sign, err := signature.Load(keyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	accounts := account.NewStore(log)
	srv := server.New(cfg, accounts, sign, log)

	if err := srv.Listen(); err != nil {
		return err
	}

	log.Info("server listening",
		logger.F("addr", srv.Addr()),
		logger.F("name", cfg.ServerName()),
		logger.F("note", cfg.ServerNote()),
		logger.F("version", server.Version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.IsPublic() && cfg.LobbyConfig().Address != "" {
		announcer := lobbylist.New(cfg, srv.StatusJSON, log)
		g.Go(func() error { return announcer.Run(gctx) })
		log.Info("lobby announcer started",
			logger.F("directory", cfg.LobbyConfig().Address))
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}
