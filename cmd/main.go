package main

import (
	"flag"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/app"
	"github.com/eidos-exchange/eidos-lending/internal/config"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

const serviceName = "eidos-lending"

func main() {
	// 命令行参数
	configPath := flag.String("config", "config/config.yaml", "config file path")
	envFile := flag.String("env", ".env", "env file path")
	flag.Parse()

	// .env 不存在时直接使用进程环境变量
	_ = godotenv.Load(*envFile)

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		ServiceName: serviceName,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("env", cfg.Service.Env),
		zap.String("protocol", cfg.Lending.ProtocolID),
		zap.Int("http_port", cfg.Service.HTTPPort),
	)

	// 创建应用
	application, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	// 运行应用
	if err := application.Run(); err != nil {
		logger.Fatal("app run error", zap.Error(err))
	}

	logger.Info("service stopped")
}
