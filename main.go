package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"replistore/bus"
	"replistore/config"
	"replistore/coordinator"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.ParseCoordinator(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("usage: replistore [-port P -r R -timeout MS] | cport R timeout rebalance_period: %v", err)
	}

	coord := coordinator.New(coordinator.Config{
		ReplicationFactor: cfg.ReplicationFactor,
		Timeout:           cfg.Timeout,
	})
	defer coord.Close()

	srv := bus.NewServer(coord)
	if err := srv.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
		log.Fatalf("couldn't start coordinator: %v", err)
	}
	log.WithFields(log.Fields{
		"port":      cfg.Port,
		"r":         cfg.ReplicationFactor,
		"timeout":   cfg.Timeout,
		"rebalance": cfg.RebalancePeriod,
	}).Info("coordinator started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HeartbeatTimeout > 0 {
		monitor := coordinator.NewMonitor(coord, heartbeatCheckInterval(cfg.HeartbeatTimeout), cfg.HeartbeatTimeout)
		go monitor.Run(ctx)
	}

	if err := srv.Serve(ctx); err != nil {
		log.WithError(err).Error("coordinator stopped")
		return
	}
	log.Info("coordinator stopped")
}

func heartbeatCheckInterval(timeout time.Duration) time.Duration {
	if interval := timeout / 4; interval > 10*time.Millisecond {
		return interval
	}
	return 10 * time.Millisecond
}
