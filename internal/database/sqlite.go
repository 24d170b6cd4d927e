package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/search"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection, performs schema migrations and
// installs the search mirror observer.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logging.NewGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if err := search.RegisterObserver(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))

	return db, nil
}

func schemaModels() []any {
	return []any{
		&feed.User{},
		&feed.Tweet{},
		&feed.Comment{},
		&notifications.Notification{},
		&tasks.Task{},
		&search.OutboxEntry{},
		&users.Identity{},
		&migrationRecord{},
	}
}
