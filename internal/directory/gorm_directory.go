package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const matchSuffixLength = 4

// reconcileChanged limits the login upsert to rows whose provider fields actually differ.
const reconcileChanged = "users.name <> excluded.name OR users.email <> excluded.email OR " +
	"users.student_number <> excluded.student_number OR users.profile_image_url <> excluded.profile_image_url"

// GormDirectory stores users through GORM on postgres or sqlite.
type GormDirectory struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Open connects to databaseURL (postgres:// or sqlite://) and migrates the directory tables.
func Open(ctx context.Context, databaseURL string) (*GormDirectory, error) {
	gormDB, driverLabel, err := OpenDatabase(databaseURL)
	if err != nil {
		return nil, err
	}
	return NewGormDirectory(ctx, gormDB, driverLabel)
}

// NewGormDirectory migrates the directory tables on an existing handle.
func NewGormDirectory(ctx context.Context, gormDB *gorm.DB, driverLabel string) (*GormDirectory, error) {
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&User{}, &ProfileImage{}); migrateErr != nil {
		return nil, fmt.Errorf("directory.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &GormDirectory{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Driver exposes the selected database driver label.
func (directory *GormDirectory) Driver() string {
	return directory.driverLabel
}

// Ping checks database connectivity.
func (directory *GormDirectory) Ping(ctx context.Context) error {
	sqlDB, err := directory.db.DB()
	if err != nil {
		return fmt.Errorf("directory.ping.%s: %w", directory.driverLabel, err)
	}
	return sqlDB.PingContext(ctx)
}

// FindOrCreate inserts the identity or refreshes its provider-owned fields in one statement.
// Consent and deletion state are never touched here.
func (directory *GormDirectory) FindOrCreate(ctx context.Context, identity Identity) (User, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.StudentNumber = strings.TrimSpace(identity.StudentNumber)
	if identity.ID == "" || identity.StudentNumber == "" {
		return User{}, fmt.Errorf("directory.find_or_create: %w", ErrInvalidIdentity)
	}
	now := directory.now()
	record := User{
		ID:              identity.ID,
		StudentNumber:   identity.StudentNumber,
		Name:            identity.Name,
		Email:           identity.Email,
		ProfileImageURL: identity.ProfileImageURL,
		Consent:         false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	upsertErr := directory.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "student_number", "profile_image_url", "updated_at"}),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: reconcileChanged}}},
	}).Create(&record).Error
	if upsertErr != nil {
		return User{}, fmt.Errorf("directory.find_or_create.%s: %w", directory.driverLabel, upsertErr)
	}
	var stored User
	if err := directory.db.WithContext(ctx).Where("id = ?", identity.ID).Take(&stored).Error; err != nil {
		return User{}, fmt.Errorf("directory.find_or_create.%s: %w", directory.driverLabel, err)
	}
	return stored, nil
}

// FindByID returns a live user.
func (directory *GormDirectory) FindByID(ctx context.Context, id string) (User, error) {
	var stored User
	err := directory.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).Take(&stored).Error
	if err != nil {
		return User{}, directory.wrapLookupErr("find_by_id", err)
	}
	return stored, nil
}

// FindByStudentNumber returns a live user holding the student number.
func (directory *GormDirectory) FindByStudentNumber(ctx context.Context, studentNumber string) (User, error) {
	var stored User
	err := directory.db.WithContext(ctx).Where("student_number = ? AND deleted_at IS NULL", studentNumber).Take(&stored).Error
	if err != nil {
		return User{}, directory.wrapLookupErr("find_by_student_number", err)
	}
	return stored, nil
}

// FindMatches lists registered users sharing the last four digits of the student number.
func (directory *GormDirectory) FindMatches(ctx context.Context, studentNumber string, includeSelf bool) ([]User, error) {
	studentNumber = strings.TrimSpace(studentNumber)
	if studentNumber == "" {
		return nil, fmt.Errorf("directory.find_matches: %w", ErrInvalidIdentity)
	}
	suffix := studentNumber
	if len(suffix) > matchSuffixLength {
		suffix = suffix[len(suffix)-matchSuffixLength:]
	}
	query := directory.db.WithContext(ctx).
		Where("student_number LIKE ?", "%"+suffix).
		Where("consent = ? AND deleted_at IS NULL", true)
	if !includeSelf {
		query = query.Where("student_number <> ?", studentNumber)
	}
	var matches []User
	if err := query.Order("student_number ASC").Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("directory.find_matches.%s: %w", directory.driverLabel, err)
	}
	return matches, nil
}

// Register completes onboarding: consent is granted and a soft-deleted row is restored.
func (directory *GormDirectory) Register(ctx context.Context, id string, registration Registration) (User, error) {
	result := directory.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"consent":      true,
			"deleted_at":   nil,
			"instagram_id": registration.InstagramID,
			"department":   registration.Department,
			"mbti":         registration.MBTI,
			"description":  registration.Description,
			"updated_at":   directory.now(),
		})
	if result.Error != nil {
		return User{}, fmt.Errorf("directory.register.%s: %w", directory.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return User{}, fmt.Errorf("directory.register.%s: %w", directory.driverLabel, ErrNotFound)
	}
	return directory.FindByID(ctx, id)
}

// MarkDeleted soft-deletes the user, clearing optional profile fields, consent, and any uploaded image.
func (directory *GormDirectory) MarkDeleted(ctx context.Context, id string) error {
	now := directory.now()
	return directory.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).
			Where("id = ? AND deleted_at IS NULL", id).
			Updates(map[string]interface{}{
				"consent":      false,
				"deleted_at":   now,
				"instagram_id": nil,
				"department":   nil,
				"mbti":         nil,
				"description":  nil,
				"updated_at":   now,
			})
		if result.Error != nil {
			return fmt.Errorf("directory.mark_deleted.%s: %w", directory.driverLabel, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("directory.mark_deleted.%s: %w", directory.driverLabel, ErrNotFound)
		}
		if err := tx.Where("user_id = ?", id).Delete(&ProfileImage{}).Error; err != nil {
			return fmt.Errorf("directory.mark_deleted.%s: %w", directory.driverLabel, err)
		}
		return nil
	})
}

func (directory *GormDirectory) wrapLookupErr(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("directory.%s.%s: %w", operation, directory.driverLabel, ErrNotFound)
	}
	return fmt.Errorf("directory.%s.%s: %w", operation, directory.driverLabel, err)
}
