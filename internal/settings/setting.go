package settings

import (
	"crypto/rand"
	"fmt"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/cache"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// Setting represents a configuration item in the database
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// Capture API settings keys
const (
	KeyCaptureAPIKey = "capture_api_key"
)

// Warehouse export status keys, written by the ingestion job after each cycle
const (
	KeyLastExportAt    = "analytics_last_export_at"
	KeyLastExportError = "analytics_last_export_error"
)

var captureKeyCache *cache.Cache[string, string]

// SetupDefaultSettings initializes default settings in the database
func SetupDefaultSettings(dbConn *gorm.DB) error {
	settings := []Setting{
		{Key: KeyLastExportAt, Value: ""},
		{Key: KeyLastExportError, Value: ""},
	}
	err := sqlite.PerformWrite(slog.Default(), dbConn, func(tx *gorm.DB) error {
		for _, setting := range settings {
			// Use raw SQL for upsert
			err := tx.Exec(`
                INSERT INTO settings (key, value, created_at, updated_at)
                VALUES (?, ?, ?, ?)
                ON CONFLICT(key) DO NOTHING
            `, setting.Key, setting.Value, time.Now().UTC(), time.Now().UTC()).Error
			if err != nil {
				slog.Default().Error("Failed to upsert setting", slog.String("key", setting.Key), slog.Any("error", err))
				return fmt.Errorf("failed to upsert setting %s: %w", setting.Key, err)
			}
		}
		return nil
	})

	// Initialize the cache
	loadCache(dbConn, slog.Default())

	return err
}

// GetSetting retrieves a setting value from the database
func GetSetting(dbConn *gorm.DB, key string) (string, error) {
	var setting Setting
	result := dbConn.Where("key = ?", key).First(&setting)

	if result.Error != nil {
		return "", result.Error
	}

	return setting.Value, nil
}

// UpdateSetting updates a setting in the database using a transaction
func UpdateSetting(dbConn *gorm.DB, key string, value string) error {
	tx := dbConn.Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	// Ensure we either commit or rollback
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&Setting{}).Where("key = ?", key).Update("value", value)
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update setting: %w", result.Error)
	}

	// If no rows were affected, the setting might not exist - try to create it
	if result.RowsAffected == 0 {
		setting := Setting{
			Key:   key,
			Value: value,
		}
		if err := tx.Create(&setting).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create setting: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Clear and reload the cache after successful update
	if captureKeyCache != nil {
		captureKeyCache.Clear()
	}
	loadCache(dbConn, slog.Default())

	return nil
}

// CreateOrUpdateSetting creates a new setting or updates an existing one
func CreateOrUpdateSetting(dbConn *gorm.DB, key string, value string) error {
	var count int64
	if err := dbConn.Model(&Setting{}).Where("key = ?", key).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check if setting exists: %w", err)
	}

	if count > 0 {
		return UpdateSetting(dbConn, key, value)
	}

	setting := Setting{
		Key:   key,
		Value: value,
	}
	if err := dbConn.Create(&setting).Error; err != nil {
		return fmt.Errorf("failed to create setting: %w", err)
	}
	return nil
}

// loadCache initializes the capture API key cache.
func loadCache(dbConn *gorm.DB, logger *slog.Logger) {
	fetchFunc := func(key string) (string, error) {
		var value string
		err := dbConn.Raw("SELECT value FROM settings WHERE key = ? LIMIT 1", key).Scan(&value).Error
		if err != nil {
			return "", err
		}
		return value, nil
	}
	captureKeyCache = cache.NewCache[string, string](logger, 5*time.Minute, fetchFunc)
}

// GetCaptureAPIKey retrieves the capture API key, via the cache when loaded.
func GetCaptureAPIKey(db *gorm.DB) (string, error) {
	if captureKeyCache != nil {
		return captureKeyCache.Get(KeyCaptureAPIKey)
	}
	return GetSetting(db, KeyCaptureAPIKey)
}

// GetOrCreateCaptureAPIKey returns the existing API key or generates a new one
func GetOrCreateCaptureAPIKey(db *gorm.DB) (string, error) {
	key, err := GetCaptureAPIKey(db)
	if err == nil && key != "" {
		return key, nil
	}
	return GenerateCaptureAPIKey(db)
}

// GenerateCaptureAPIKey creates a new random API key and stores it
func GenerateCaptureAPIKey(db *gorm.DB) (string, error) {
	key := generateRandomToken(32)
	if err := CreateOrUpdateSetting(db, KeyCaptureAPIKey, key); err != nil {
		return "", err
	}
	return key, nil
}

// RegenerateCaptureAPIKey creates a new API key, replacing the old one
func RegenerateCaptureAPIKey(db *gorm.DB) (string, error) {
	return GenerateCaptureAPIKey(db)
}

// RecordExportSuccess stores the time of the last successful warehouse export
// and clears the last error.
func RecordExportSuccess(db *gorm.DB, at time.Time) error {
	if err := CreateOrUpdateSetting(db, KeyLastExportAt, at.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return CreateOrUpdateSetting(db, KeyLastExportError, "")
}

// RecordExportFailure stores the last warehouse export error message.
func RecordExportFailure(db *gorm.DB, message string) error {
	return CreateOrUpdateSetting(db, KeyLastExportError, message)
}

// GetExportStatus returns the last successful export time (zero when never
// exported) and the last error message (empty after a success).
func GetExportStatus(db *gorm.DB) (lastExport time.Time, lastError string) {
	if value, err := GetSetting(db, KeyLastExportAt); err == nil && value != "" {
		lastExport, _ = time.Parse(time.RFC3339, value)
	}
	lastError, _ = GetSetting(db, KeyLastExportError)
	return lastExport, lastError
}

// generateRandomToken creates a cryptographically secure random token
func generateRandomToken(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[randInt(len(charset))]
	}
	return string(b)
}

// randInt returns a cryptographically secure random int in [0, max)
func randInt(max int) int {
	var buf [1]byte
	_, _ = rand.Read(buf[:])
	return int(buf[0]) % max
}
