package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"main/internal/admission"
	"main/internal/broadcast"
	"main/internal/cache"
	"main/internal/idempotency"
	"main/internal/ops"
	"main/internal/server"
	"main/internal/store"
	"main/pkg/conn"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

const connectTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if loaded.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trading/state-server",
			ServerAddress:   loaded.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rdb, err := conn.NewRedis(dialCtx, conn.RedisOption{
		Addr:     loaded.Redis.Addr,
		Password: loaded.RedisPassword,
		DB:       loaded.Redis.DB,
	})
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer func() {
		_ = rdb.Close()
	}()

	pg, err := conn.NewPostgres(dialCtx, conn.PostgresOption{
		Host:     loaded.Postgres.Host,
		Port:     loaded.Postgres.Port,
		User:     loaded.Postgres.User,
		Password: loaded.PGPassword,
		Database: loaded.Postgres.Database,
		SSLMode:  loaded.Postgres.SSLMode,
	})
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}
	defer func() {
		_ = pg.Close()
	}()

	gate := admission.NewController(admission.NewRedisCounters(rdb), admission.Config{
		MaxConnections: loaded.Admission.MaxConnections,
		Window:         time.Duration(loaded.Admission.WindowSeconds) * time.Second,
	})
	broadcaster := broadcast.NewBroadcaster(
		broadcast.NewRedisTickSource(rdb),
		cache.NewStore(rdb),
		loaded.Symbols,
	)

	sweeper := idempotency.NewSweeper(store.NewIdempotencyRecords(pg.DB()), loaded.SweepInterval)
	go sweeper.Run(ctx)

	srv, err := server.NewServer(server.Config{Addr: loaded.Server.Addr}, broadcaster, gate)
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	if err := srv.Run(ctx); err != nil {
		logs.Errorf("server stopped, err: %+v", err)
		os.Exit(1)
	}
}
