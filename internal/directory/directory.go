// Package directory persists membership users keyed by the identity provider subject.
package directory

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the user is absent or soft-deleted.
	ErrNotFound = errors.New("directory.not_found")
	// ErrInvalidIdentity indicates the provider identity lacks a subject or student number.
	ErrInvalidIdentity = errors.New("directory.invalid_identity")
)

// User is the local membership record.
type User struct {
	ID              string     `gorm:"column:id;primaryKey"`
	StudentNumber   string     `gorm:"column:student_number;uniqueIndex;not null"`
	Name            string     `gorm:"column:name;not null;default:''"`
	Email           string     `gorm:"column:email;not null;default:''"`
	ProfileImageURL string     `gorm:"column:profile_image_url;not null;default:''"`
	InstagramID     *string    `gorm:"column:instagram_id"`
	Department      *string    `gorm:"column:department"`
	MBTI            *string    `gorm:"column:mbti"`
	Description     *string    `gorm:"column:description"`
	Consent         bool       `gorm:"column:consent;not null;default:false"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`
	DeletedAt       *time.Time `gorm:"column:deleted_at;index"`
}

// TableName pins the table name used by raw upsert predicates.
func (User) TableName() string {
	return "users"
}

// Deleted reports whether the user has been soft-deleted.
func (user User) Deleted() bool {
	return user.DeletedAt != nil
}

// Identity carries the provider-asserted fields reconciled on every login.
type Identity struct {
	ID              string
	Name            string
	Email           string
	StudentNumber   string
	ProfileImageURL string
}

// Registration carries the optional onboarding fields.
type Registration struct {
	InstagramID *string
	Department  *string
	MBTI        *string
	Description *string
}
