// Command callrelay runs the websocket signaling relay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tandemly/callkit/presence"
	"github.com/tandemly/callkit/relay"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := relay.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	auth, err := relay.NewAuthManager(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create auth manager")
	}

	var store presence.Store
	if cfg.RedisAddr != "" {
		redisStore, err := presence.NewRedisStore(context.Background(), presence.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.PresenceTTL,
		})
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisStore.Close()
		store = redisStore
	}

	server, err := relay.NewServer(cfg, auth, store)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create relay server")
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logrus.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Shutdown did not complete cleanly")
		}
	}()

	if err := server.Run(); err != nil {
		logrus.WithError(err).Info("Relay stopped")
	}
}
