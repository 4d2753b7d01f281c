package app

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-lending/migrations"
	"github.com/eidos-exchange/eidos-lending/pkg/migrate"
)

// AutoMigrate 自动执行数据库迁移
func AutoMigrate(db *gorm.DB, serviceName string, logger *zap.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	migrator := migrate.NewMigrator(sqlDB, serviceName, logger)
	if err := migrator.Up(migrations.FS, "."); err != nil {
		logger.Error("auto migration failed", zap.Error(err))
		return err
	}
	return nil
}
