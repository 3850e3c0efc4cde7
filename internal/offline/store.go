package offline

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("queued message not found")

// Store persists the queue. List must return entries in enqueue order.
type Store interface {
	Append(msg *QueuedMessage) error
	Delete(localId string) error
	List() ([]QueuedMessage, error)
	Clear() error
}

type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a sqlite queue database at path.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	return db, nil
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&QueuedMessage{}); err != nil {
		return nil, fmt.Errorf("migrate queue database: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Append(msg *QueuedMessage) error {
	if err := s.db.Create(msg).Error; err != nil {
		return fmt.Errorf("append queued message: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(localId string) error {
	result := s.db.Where("local_id = ?", localId).Delete(&QueuedMessage{})
	if err := result.Error; err != nil {
		return fmt.Errorf("delete queued message: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) List() ([]QueuedMessage, error) {
	var msgs []QueuedMessage
	if err := s.db.Order("seq asc").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}
	return msgs, nil
}

func (s *GormStore) Clear() error {
	if err := s.db.Where("1 = 1").Delete(&QueuedMessage{}).Error; err != nil {
		return fmt.Errorf("clear queued messages: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
