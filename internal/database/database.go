package database

import (
	"fmt"
	"time"

	"github.com/psds-microservice/escalation-service/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open подключается к Postgres через gorm. TranslateError включён, чтобы
// нарушение уникальности приходило как gorm.ErrDuplicatedKey.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Models — таблицы сервиса в порядке создания.
func Models() []interface{} {
	return []interface{}{
		&model.Ticket{},
		&model.Message{},
		&model.AgentPresence{},
		&model.Rating{},
	}
}

// AutoMigrate строит схему по моделям. Используется для SQLite в тестах;
// в Postgres схема ведётся goose-миграциями (MigrateUp).
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
