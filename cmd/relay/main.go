// cmd/relay is the relay server: websocket rooms, persistence, compaction
// and the monitoring API. Configured entirely through the environment; see
// relay.FromEnv for the variables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/troparcel/troparcel/internal/relay"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("prefix", "main")

	cfg := relay.FromEnv()

	store, err := relay.OpenStore(cfg.PersistenceDir)
	if err != nil {
		log.WithError(err).Fatal("open persistence")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(cfg, store)
	go srv.RunCompaction(ctx)

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("relay exited")
	}
	log.Info("relay stopped")
}
