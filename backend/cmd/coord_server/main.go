package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"collabCoord/backend/config"
	"collabCoord/backend/internal/collab"
	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/httpapi"
	"collabCoord/backend/internal/identity"
	"collabCoord/backend/internal/logging"
	"collabCoord/backend/internal/session"
	"collabCoord/backend/internal/store"
	"collabCoord/backend/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("COORD_CONFIG_FILE"))
	if err != nil {
		logging.Fatal(slog.Default(), "init config failed", "error", err)
	}
	logger := logging.New(cfg.Running.LogLevel)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	clock := clockwork.NewRealClock()

	// === 存储：Redis（集群或单机）+ 读缓存；没配 Redis 时用进程内存储，同步关闭 ===
	var backing store.Store
	if cfg.StoreConfigured() {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			// 启动时连不上不退出，交给连接状态机重试
			logger.Warn("ping redis failed", "error", err)
		}

		backing = store.NewRedisStore(rdb, logger)
		if cfg.Redis.CacheSize > 0 {
			cached, err := store.NewCachedStore(backing, cfg.Redis.CacheSize)
			if err != nil {
				logging.Fatal(logger, "init read cache failed", "error", err)
			}
			backing = cached
		}
	} else {
		logger.Warn("redis not configured, remote sync disabled")
		backing = store.NewMemoryStore()
	}

	// === 会话归档（可选）===
	var archive session.Archive
	if cfg.Mysql.DSN != "" {
		db, err := session.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			logging.Fatal(logger, "open mysql failed", "error", err)
		}
		sqlArchive := session.NewSQLArchive(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = sqlArchive.Migrate(ctx)
		cancel()
		if err != nil {
			logging.Fatal(logger, "migrate edit_sessions failed", "error", err)
		}
		archive = sqlArchive
	}

	// === 协调事件：Kafka Producer（可选）===
	var events collab.EventSink
	var dispatcher *collab.EventDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logging.Fatal(logger, "connect kafka failed", "error", err)
		}
		defer producer.Close()

		dispatcher = collab.NewEventDispatcher(
			producer,
			cfg.Kafka.Topic,
			logger,
			collab.DispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxInFlight: 2,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		events = dispatcher
	}

	machine := connection.NewMachine(backing, clock, logger, connection.Config{
		CheckTimeout:   cfg.Coord.CheckTimeout,
		HealthInterval: cfg.Coord.HealthInterval,
		BackoffBase:    cfg.Coord.BackoffBase,
		BackoffCap:     cfg.Coord.BackoffCap,
	})
	coord := collab.NewCoordinator(backing, machine, collab.Options{
		Archive: archive,
		Events:  events,
		Clock:   clock,
		Logger:  logger,
		Config: collab.Config{
			HeartbeatInterval:  cfg.Coord.HeartbeatInterval,
			SweepInterval:      cfg.Coord.SweepInterval,
			StalenessThreshold: cfg.Coord.StalenessThreshold,
			TeardownTimeout:    cfg.Coord.TeardownTimeout,
		},
	})
	machine.Start(cfg.StoreConfigured(), true)

	hub := ws.NewHub()
	router := httpapi.NewRouter(httpapi.Deps{
		Coordinator:     coord,
		Signer:          identity.NewSigner(cfg.Auth.Secret, clock),
		WS:              ws.NewManager(hub, logger),
		Logger:          logger,
		StoreConfigured: cfg.StoreConfigured(),
		EnableCORS:      cfg.Running.EnableCORS,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting coord server", "port", cfg.Running.Port, "sync", cfg.StoreConfigured())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal(logger, "server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// websocket 被 hijack，Shutdown 不会等它们
	hub.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	coord.Close()
	if dispatcher != nil {
		if err := dispatcher.Close(ctx); err != nil {
			logger.Warn("event dispatcher close", "error", err)
		}
	}
	logger.Info("server exited")
}
