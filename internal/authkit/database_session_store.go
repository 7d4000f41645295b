package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/bbunline/membership/internal/directory"
)

// DatabaseSessionStore persists refresh sessions using GORM.
type DatabaseSessionStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

type sessionRecord struct {
	SessionKey string    `gorm:"column:session_key;primaryKey"`
	UserID     string    `gorm:"column:user_id;index;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;index;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (sessionRecord) TableName() string {
	return "refresh_sessions"
}

// NewDatabaseSessionStore opens databaseURL and migrates the sessions table.
func NewDatabaseSessionStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseSessionStore, error) {
	gormDB, driverLabel, err := directory.OpenDatabase(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("session_store.open: %w", err)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("session_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &DatabaseSessionStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseSessionStore) Driver() string {
	return store.driverLabel
}

// Set inserts or replaces the session row.
func (store *DatabaseSessionStore) Set(ctx context.Context, key string, userID string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.set.%s: %w", store.driverLabel, ErrEmptySessionKey)
	}
	now := store.clock.Now().UTC()
	record := sessionRecord{
		SessionKey: HashSessionKey(key),
		UserID:     userID,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := store.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("session_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// GetOrFail returns the user id of a live session.
func (store *DatabaseSessionStore) GetOrFail(ctx context.Context, key string) (string, error) {
	record, err := store.findLive(store.db.WithContext(ctx), key)
	if err != nil {
		return "", fmt.Errorf("session_store.get.%s: %w", store.driverLabel, err)
	}
	return record.UserID, nil
}

// Consume reads and deletes the session in one transaction. The conditional delete decides the
// winner when two callers race on the same key.
func (store *DatabaseSessionStore) Consume(ctx context.Context, key string) (string, error) {
	var userID string
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record, findErr := store.findLive(transaction, key)
		if findErr != nil {
			return findErr
		}
		result := transaction.Where("session_key = ?", record.SessionKey).Delete(&sessionRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		userID = record.UserID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("session_store.consume.%s: %w", store.driverLabel, err)
	}
	return userID, nil
}

// Delete removes the session row if present.
func (store *DatabaseSessionStore) Delete(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("session_key = ?", HashSessionKey(key)).Delete(&sessionRecord{}).Error; err != nil {
		return fmt.Errorf("session_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// PurgeExpired deletes sessions past their expiry and reports how many were removed.
func (store *DatabaseSessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_at <= ?", store.clock.Now().UTC()).Delete(&sessionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("session_store.purge.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *DatabaseSessionStore) findLive(db *gorm.DB, key string) (sessionRecord, error) {
	if strings.TrimSpace(key) == "" {
		return sessionRecord{}, ErrSessionNotFound
	}
	var record sessionRecord
	err := db.Where("session_key = ? AND expires_at > ?", HashSessionKey(key), store.clock.Now().UTC()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return sessionRecord{}, err
	}
	return record, nil
}
