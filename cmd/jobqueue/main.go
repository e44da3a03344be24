// Command jobqueue is the job queue node process: it loads configuration,
// wires the store/notifier/peer/supervisor stack, registers workers, and
// runs until an OS signal asks it to drain and exit.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/jobqueue/internal/admin"
	"github.com/jonesrussell/jobqueue/internal/config"
	"github.com/jonesrussell/jobqueue/internal/executor"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/peer"
	"github.com/jonesrussell/jobqueue/internal/store"
	"github.com/jonesrussell/jobqueue/internal/supervisor"
	"github.com/jonesrussell/jobqueue/internal/workers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("JOBQUEUE_CONFIG")
	if configPath == "" {
		configPath = "config.yml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	st, err := store.NewPostgresStore(store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		Prefix:   cfg.Database.Prefix,
		Node:     cfg.Node,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	notif, p, err := buildNotifierAndPeer(cfg, st, log)
	if err != nil {
		return err
	}
	st.SetNotifier(notif)

	registry := executor.NewRegistry()
	workers.RegisterAll(registry)

	sup, err := supervisor.New(cfg, log, st, notif, p, registry)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	adminSrv := admin.New(cfg, sup, log)
	adminSrv.Start()

	log.Info("jobqueue: running", logger.String("node", cfg.Node), logger.String("driver", string(cfg.Driver)))

	<-ctx.Done()
	log.Info("jobqueue: shutdown signal received, draining")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+config.DefaultShutdownGracePeriod)
	defer cancel()

	if err := adminSrv.Stop(stopCtx); err != nil {
		log.Error("jobqueue: admin server shutdown failed", logger.Error(err))
	}
	return sup.Stop(stopCtx)
}

// buildNotifierAndPeer wires the Postgres- or Redis-backed variants of §4.2
// and §4.3 according to cfg.Driver. The store itself is always Postgres;
// Driver only selects the pub/sub and leader-election transport.
func buildNotifierAndPeer(cfg *config.Config, st *store.PostgresStore, log logger.Logger) (notifier.Notifier, peer.Peer, error) {
	peerCfg := peer.Config{
		InstanceName:     cfg.Peer.InstanceName,
		Node:             cfg.Node,
		ElectionInterval: cfg.Peer.ElectionInterval,
		RenewalBoost:     cfg.Peer.RenewalBoost,
	}

	switch cfg.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		notif := notifier.NewRedisNotifier(client, cfg.Database.Prefix, log)
		p := peer.NewClusterPeer(peerCfg, client, notif, log, peer.Callbacks{})
		return notif, p, nil

	default: // config.DriverPostgres
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
			cfg.Database.DBName, sslModeOrDisable(cfg.Database.SSLMode))

		rawDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open notifier connection: %w", err)
		}

		notif := notifier.NewPostgresNotifier(rawDB, dsn, cfg.Database.Prefix, log)
		p := peer.NewDBPeer(peerCfg, st, notif, log, peer.Callbacks{})
		return notif, p, nil
	}
}

func sslModeOrDisable(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
