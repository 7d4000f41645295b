package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoProfileImage indicates the user exists but has not uploaded an image.
var ErrNoProfileImage = errors.New("directory.no_profile_image")

// ProfileImage is an uploaded avatar. It lives in its own table so the login
// upsert, which rewrites the provider picture URL, never touches it.
type ProfileImage struct {
	UserID      string    `gorm:"column:user_id;primaryKey"`
	ContentType string    `gorm:"column:content_type;not null"`
	Data        []byte    `gorm:"column:data;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName pins the table name.
func (ProfileImage) TableName() string {
	return "profile_images"
}

// SetProfileImage stores or replaces the uploaded image of a live user.
func (directory *GormDirectory) SetProfileImage(ctx context.Context, id string, contentType string, data []byte) error {
	return directory.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := directory.requireLive(tx, id); err != nil {
			return fmt.Errorf("directory.set_profile_image.%s: %w", directory.driverLabel, err)
		}
		image := ProfileImage{UserID: id, ContentType: contentType, Data: data, UpdatedAt: directory.now()}
		upsertErr := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_type", "data", "updated_at"}),
		}).Create(&image).Error
		if upsertErr != nil {
			return fmt.Errorf("directory.set_profile_image.%s: %w", directory.driverLabel, upsertErr)
		}
		return nil
	})
}

// ProfileImage returns the uploaded image of a live user.
func (directory *GormDirectory) ProfileImage(ctx context.Context, id string) (ProfileImage, error) {
	db := directory.db.WithContext(ctx)
	if err := directory.requireLive(db, id); err != nil {
		return ProfileImage{}, fmt.Errorf("directory.profile_image.%s: %w", directory.driverLabel, err)
	}
	var image ProfileImage
	if err := db.Where("user_id = ?", id).Take(&image).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ProfileImage{}, fmt.Errorf("directory.profile_image.%s: %w", directory.driverLabel, ErrNoProfileImage)
		}
		return ProfileImage{}, fmt.Errorf("directory.profile_image.%s: %w", directory.driverLabel, err)
	}
	return image, nil
}

// DeleteProfileImage drops the uploaded image; deleting a missing image is not an error.
func (directory *GormDirectory) DeleteProfileImage(ctx context.Context, id string) error {
	db := directory.db.WithContext(ctx)
	if err := directory.requireLive(db, id); err != nil {
		return fmt.Errorf("directory.delete_profile_image.%s: %w", directory.driverLabel, err)
	}
	if err := db.Where("user_id = ?", id).Delete(&ProfileImage{}).Error; err != nil {
		return fmt.Errorf("directory.delete_profile_image.%s: %w", directory.driverLabel, err)
	}
	return nil
}

func (directory *GormDirectory) requireLive(db *gorm.DB, id string) error {
	var live int64
	if err := db.Model(&User{}).Where("id = ? AND deleted_at IS NULL", id).Count(&live).Error; err != nil {
		return err
	}
	if live == 0 {
		return ErrNotFound
	}
	return nil
}
