package migration

import (
	accountdomain "github.com/dukabook/kredo/internal/account/domain"
	"github.com/dukabook/kredo/internal/config"
	debtdomain "github.com/dukabook/kredo/internal/debt/domain"
	paymentdomain "github.com/dukabook/kredo/internal/payment/domain"
	"github.com/dukabook/kredo/internal/scheduler"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite and mysql deployments rely on gorm's schema sync.
		return conn.AutoMigrate(
			&accountdomain.UserAccount{},
			&accountdomain.UsageLogEntry{},
			&paymentdomain.PaymentRecord{},
			&debtdomain.DebtRecord{},
			&scheduler.SweepRun{},
		)
	}),
)
