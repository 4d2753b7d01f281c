// Package app 提供 eidos-lending 服务的应用生命周期管理
//
// ========================================
// eidos-lending 服务说明
// ========================================
//
// ## 服务职责
// 消费借贷协议/收益金库的链上事件，维护:
// 1. 不可变的借贷流水 (lending_transactions)
// 2. 市场余额与 TVL、协议 TVL
// 3. 按日/按小时的使用量快照
//
// ## Kafka
// - 消费: lending-raw-events
// - 生产: lending-transactions
//
// ## HTTP
// - /metrics: Prometheus 指标
// - /health: 存活检查
// - /ready: 数据库与 Redis 可用
// - /loglevel: 查询/调整日志级别
//
// ## 数据库
// - 迁移文件: migrations/
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-lending/internal/blockchain"
	"github.com/eidos-exchange/eidos-lending/internal/cache"
	"github.com/eidos-exchange/eidos-lending/internal/config"
	"github.com/eidos-exchange/eidos-lending/internal/contract"
	"github.com/eidos-exchange/eidos-lending/internal/kafka"
	"github.com/eidos-exchange/eidos-lending/internal/model"
	"github.com/eidos-exchange/eidos-lending/internal/oracle"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
	"github.com/eidos-exchange/eidos-lending/internal/service"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	chainClient *blockchain.Client
	reader      *contract.Reader

	// 仓储
	txManager    repository.TxManager
	txRepo       repository.TransactionRepository
	marketRepo   repository.MarketRepository
	protocolRepo repository.ProtocolRepository
	snapshotRepo repository.SnapshotRepository
	tokenRepo    repository.TokenRepository
	eventRepo    repository.ProcessedEventRepository

	// 服务
	registry          *service.MarketRegistry
	priceResolver     *service.PriceResolver
	processor         *service.EventProcessor
	reconciliationSvc *service.ReconciliationService

	// Kafka
	kafkaConsumer *kafka.Consumer
	kafkaProducer *kafka.Producer

	httpServer *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	if cfg.Lending.ProtocolID == "" {
		return nil, errors.New("lending.protocol_id is required")
	}

	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if a.cfg.Postgres.AutoMigrate {
		if err := AutoMigrate(a.db, a.cfg.Service.Name, logger.L()); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database migrated")
	}

	// Redis
	addrs := a.cfg.Redis.Addresses
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", addrs))

	return nil
}

// initBlockchain 初始化只读区块链客户端
func (a *App) initBlockchain() error {
	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)
	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         a.cfg.Blockchain.ChainID,
		RPCURLs:         rpcURLs,
		MaxRetries:      a.cfg.Blockchain.MaxRetries,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	reader, err := contract.NewReader(client, time.Duration(a.cfg.Lending.ContractReadTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to create contract reader: %w", err)
	}
	a.reader = reader

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.Int("endpoints", len(rpcURLs)))
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.txManager = repository.NewTxManager(a.db)
	a.txRepo = repository.NewTransactionRepository(a.db)
	a.marketRepo = repository.NewMarketRepository(a.db)
	a.protocolRepo = repository.NewProtocolRepository(a.db)
	a.snapshotRepo = repository.NewSnapshotRepository(a.db)
	a.tokenRepo = repository.NewTokenRepository(a.db)
	a.eventRepo = repository.NewProcessedEventRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() error {
	lc := &a.cfg.Lending

	markets := make([]service.MarketDefaults, 0, len(lc.Markets))
	for _, m := range lc.Markets {
		markets = append(markets, service.MarketDefaults{
			Address:    m.Address,
			Kind:       model.MarketKind(m.Kind),
			Underlying: m.Underlying,
			Decimals:   m.Decimals,
			Name:       m.Name,
			Symbol:     m.Symbol,
		})
	}

	registry, err := service.NewMarketRegistry(a.marketRepo, a.tokenRepo, a.reader, &service.MarketRegistryConfig{
		ProtocolID:       lc.ProtocolID,
		Markets:          markets,
		EnforceAllowList: lc.EnforceAllowList,
		DefaultDecimals:  lc.DefaultDecimals,
		CacheSize:        lc.MarketCacheSize,
		WarmupWorkers:    lc.WarmupWorkers,
	})
	if err != nil {
		return err
	}
	a.registry = registry

	// 喂价合约优先，静态价格兜底
	static, err := oracle.NewStaticOracle(lc.StaticPrices)
	if err != nil {
		return err
	}
	priceOracle := oracle.NewTieredOracle(oracle.NewFeedOracle(a.reader, lc.PriceFeeds), static)

	priceCache := cache.NewRedisPriceCache(a.redis, time.Duration(lc.PriceCacheTTL)*time.Second, logger.L())
	resolver, err := service.NewPriceResolver(priceOracle, priceCache, &service.PriceResolverConfig{
		TokenRemap: lc.TokenRemap,
		Timeout:    time.Duration(lc.PriceTimeoutMs) * time.Millisecond,
		CacheSize:  lc.PriceCacheSize,
	})
	if err != nil {
		return err
	}
	a.priceResolver = resolver

	strategy, err := service.ParseMarketIdentification(lc.MarketIdentification)
	if err != nil {
		return err
	}
	normalizer := service.NewEventNormalizer(a.txRepo, a.eventRepo, &service.EventNormalizerConfig{
		ProtocolID:           lc.ProtocolID,
		MarketIdentification: strategy,
	})

	protocol := &model.Protocol{
		ID:      lc.ProtocolID,
		Name:    lc.ProtocolName,
		Network: lc.Network,
	}
	aggregator := service.NewAggregateUpdater(a.marketRepo, a.protocolRepo, a.snapshotRepo, protocol, lc.USDScale)

	a.processor = service.NewEventProcessor(
		normalizer,
		a.registry,
		a.priceResolver,
		aggregator,
		a.txManager,
		a.txRepo,
		a.eventRepo,
		a.marketRepo,
		a.protocolRepo,
		&service.EventProcessorConfig{
			ProtocolID:   lc.ProtocolID,
			TxMaxRetries: lc.TxMaxRetries,
			USDScale:     lc.USDScale,
		},
	)

	// 协议 TVL 为各市场 TVL 的增量累加，漂移应为 0
	a.reconciliationSvc = service.NewReconciliationService(a.marketRepo, a.protocolRepo, lc.ProtocolID, decimal.Zero)

	logger.Info("services initialized",
		zap.String("protocol", lc.ProtocolID),
		zap.Int("configured_markets", len(markets)))
	return nil
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		Topic:    a.cfg.Kafka.Topics.Transactions,
		Logger:   logger.L(),
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.processor.SetOnRecorded(producer.PublishTransaction)

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:   a.cfg.Kafka.Brokers,
		GroupID:   a.cfg.Kafka.GroupID,
		ClientID:  a.cfg.Kafka.ClientID,
		Topic:     a.cfg.Kafka.Topics.RawEvents,
		MaxRetry:  a.cfg.Lending.TxMaxRetries,
		Processor: a.processor,
		Logger:    logger.L(),
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.processor.EnsureProtocol(ctx); err != nil {
		return fmt.Errorf("failed to ensure protocol: %w", err)
	}

	// 预加载失败的市场会在首个事件时再次创建
	if err := a.registry.Warmup(ctx, a.cfg.Lending.StartBlock); err != nil {
		logger.Warn("market warmup failed", zap.Error(err))
	}

	if err := a.kafkaConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kafka consumer: %w", err)
	}

	go a.reconciliationSvc.Start(ctx, time.Duration(a.cfg.Lending.ReconcileInterval)*time.Second)

	a.startHTTPServer()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	cancel()
	return a.shutdown()
}

// Stop 请求关闭
func (a *App) Stop() {
	close(a.stopCh)
}

// startHTTPServer 启动 HTTP 服务器 (metrics endpoint)
func (a *App) startHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/loglevel", logger.LevelHandler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
}

func (a *App) ready(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down")

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop kafka consumer", zap.Error(err))
		}
	}
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("failed to close kafka producer", zap.Error(err))
		}
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown http server", zap.Error(err))
		}
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Error("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}
