package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// document is the single table behind the SQL backend. One row per
// (collection, key); the payload stays opaque JSON.
type document struct {
	ID         uint   `gorm:"primarykey"`
	Collection string `gorm:"uniqueIndex:idx_collection_key;size:64;not null"`
	Key        string `gorm:"uniqueIndex:idx_collection_key;size:191;not null"`
	Doc        []byte `gorm:"not null"`
	UpdatedAt  time.Time
}

// SQLStore implements StateStore on GORM. A postgres DSN selects the
// postgres driver; anything else is treated as an sqlite file path.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sql state store requires DATABASE_DSN")
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&document{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Upsert(ctx context.Context, collection, key string, doc []byte) error {
	row := document{Collection: collection, Key: key, Doc: doc}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"doc", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLStore) GetAll(ctx context.Context, collection string) (map[string][]byte, error) {
	var rows []document
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Doc
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	return s.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key).
		Delete(&document{}).Error
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
