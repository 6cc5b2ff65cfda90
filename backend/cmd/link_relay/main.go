package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"link-relay/backend/config"
	"link-relay/backend/internal/cache"
	"link-relay/backend/internal/httpapi/handlers"
	"link-relay/backend/internal/httpapi/middleware"
	"link-relay/backend/internal/linksync"
	"link-relay/backend/internal/memstore"
	"link-relay/backend/internal/metrics"
	"link-relay/backend/internal/mysqldb"
	"link-relay/backend/internal/presence"
	"link-relay/backend/internal/relay"
	"link-relay/backend/internal/repo"
	"link-relay/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

type stores struct {
	commits  repo.CommitLog
	cursors  repo.SyncCursorRepo
	statuses repo.AgentStatusRepo
}

// 没配 DSN 时退回内存存储，只适合本地调试
func openStores(cfg *config.Config, logger *zap.Logger) (stores, error) {
	if cfg.Mysql.DSN == "" {
		logger.Warn("mysql dsn empty, using in-memory stores")
		return stores{
			commits:  memstore.NewCommitLog(),
			cursors:  memstore.NewSyncCursorRepo(),
			statuses: memstore.NewAgentStatusRepo(),
		}, nil
	}
	db, err := mysqldb.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		return stores{}, fmt.Errorf("init mysql: %w", err)
	}
	return stores{
		commits:  mysqldb.NewMySQLCommitLog(db),
		cursors:  mysqldb.NewMySQLSyncCursorRepo(db),
		statuses: mysqldb.NewMySQLAgentStatusRepo(db),
	}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("version", buildVersion), zap.String("commit", buildCommit))

	collector := metrics.NewCollector("link_relay")

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatal("open stores failed", zap.Error(err))
	}

	statuses := st.statuses
	if len(cfg.Redis.Addrs) > 0 {
		// 单地址走单机，多地址走集群
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			// 缓存不可用时读路径会自动回源，不阻止启动
			logger.Warn("redis ping failed", zap.Error(err))
		}
		statuses = cache.NewRedisAgentStatus(rdb, st.statuses, cfg.Redis.StatusTTL, logger, collector)
	}

	engine := linksync.NewEngine(st.commits, st.cursors, linksync.EngineOptions{
		Logger:       logger,
		IdleEviction: cfg.Relay.ClockIdleEviction,
	})
	registry := presence.NewRegistry()
	hub := ws.NewHub()

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Fatal("connect kafka failed", zap.Error(err), zap.Strings("brokers", cfg.Kafka.Brokers))
		}
		defer producer.Close()

		dispatcher := linksync.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			linksync.NewSemaphoreControl(cfg.Kafka.Workers),
			linksync.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      logger,
				Metrics:     collector,
			},
		)
		// 先于 producer.Close 执行，把队列里剩下的事件发完
		defer dispatcher.Close()
		engine.Subscribe(dispatcher)
	} else {
		logger.Info("kafka brokers empty, commit events disabled")
	}

	fanout := relay.New(registry, hub, logger, collector)
	engine.Subscribe(fanout)

	manager := ws.NewManager(hub, registry, engine, fanout,
		linksync.NewSemaphoreControl(cfg.Relay.MaxConcurrentOps),
		ws.ManagerOptions{
			SendBuffer:     cfg.Relay.SendBuffer,
			AcquireTimeout: cfg.Relay.AcquireTimeout,
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			Logger:         logger,
			Metrics:        collector,
		})

	if cfg.Running.Mode != "" {
		gin.SetMode(cfg.Running.Mode)
	}
	r := gin.New()
	r.Use(middleware.RequestLogger(logger, collector), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/ws", manager.WebSocketConnect)
	r.GET("/metrics", gin.WrapH(collector.Handler()))
	handlers.NewLinkRelayHandler(engine, registry, statuses, logger).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		logger.Info("link relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	// Shutdown 不会等 websocket（已 hijack），连接随进程退出断开
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
