package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/portdash/internal/config"
	"github.com/gluk-w/portdash/internal/instancecfg"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	db, err := Open(config.Cfg.DatabasePath)
	if err != nil {
		return err
	}
	DB = db

	if err := migrateScanInterval(DB); err != nil {
		return fmt.Errorf("migrate scan interval: %w", err)
	}
	return nil
}

// Open opens (creating if needed) the SQLite database at dbPath and migrates
// the schema. ":memory:" is accepted for tests.
func Open(dbPath string) (*gorm.DB, error) {
	memory := dbPath == ":memory:"
	if !memory {
		if dbDir := filepath.Dir(dbPath); dbDir != "" {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if memory {
		// every new connection to :memory: is a fresh, empty database
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Instance{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// migrateScanInterval raises scan intervals stored before the minimum was
// enforced. Idempotent.
func migrateScanInterval(db *gorm.DB) error {
	res := db.Model(&Instance{}).
		Where("scan_interval < ?", instancecfg.MinScanInterval).
		Update("scan_interval", instancecfg.DefaultScanInterval)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("[database] Raised scan interval to %ds on %d instance(s)", instancecfg.DefaultScanInterval, res.RowsAffected)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}
