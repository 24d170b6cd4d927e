package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairCommentPathCounters = "2026-09-12_repair_comment_path_counters"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairCommentPathCounters, apply: repairCommentPathCounters},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairCommentPathCounters raises tweet counters that fell behind the number
// of stored comments, so freshly allocated segments cannot collide.
func repairCommentPathCounters(db *gorm.DB) error {
	return db.Exec(`UPDATE tweets
SET comment_path_counter = (SELECT COUNT(*) FROM comments WHERE comments.tweet_id = tweets.id)
WHERE comment_path_counter < (SELECT COUNT(*) FROM comments WHERE comments.tweet_id = tweets.id)`).Error
}
