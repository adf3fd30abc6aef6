package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"replistore/config"
	"replistore/dstore"
	"replistore/engine"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.ParseDataNode(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("usage: dstore [-port P -cport C -timeout MS -dir D] | port cport timeout file_folder: %v", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		log.Fatalf("couldn't create %s: %v", cfg.Dir, err)
	}
	store, err := engine.Open(cfg.Dir, engine.Options{})
	if err != nil {
		log.Fatalf("couldn't open replica store: %v", err)
	}
	defer store.Close()
	// replicas do not survive a restart; the coordinator forgot them already
	if err := store.Wipe(); err != nil {
		log.Fatalf("couldn't clear replica store: %v", err)
	}

	node := dstore.New(dstore.Config{
		ControllerAddr: cfg.ControllerAddr(),
		Dir:            cfg.Dir,
		Timeout:        cfg.Timeout,
		Heartbeat:      cfg.Heartbeat,
	}, store)
	if err := node.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
		log.Fatalf("couldn't listen: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Join(ctx); err != nil {
		log.Fatalf("couldn't join coordinator at %s: %v", cfg.ControllerAddr(), err)
	}
	if err := node.Run(ctx); err != nil {
		log.WithError(err).Error("data node stopped")
		return
	}
	log.Info("data node stopped")
}
