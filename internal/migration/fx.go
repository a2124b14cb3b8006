package migration

import (
	"github.com/merchlytics/merchlytics/internal/config"
	warehousedomain "github.com/merchlytics/merchlytics/internal/warehouse/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Dev/test databases (sqlite, mysql) get the schema via GORM.
			return conn.AutoMigrate(
				&warehousedomain.Customer{},
				&warehousedomain.Product{},
				&warehousedomain.OrderFact{},
				&warehousedomain.TransactionFact{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
