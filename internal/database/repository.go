package database

import (
	"time"

	"github.com/stasis/stasis/internal/models"

	"github.com/pkg/errors"

	"gorm.io/gorm"
)

// Repository handles all database operations for the action journal
type Repository struct {
	db *DB
}

// NewRepository creates a new repository instance
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new action record
func (r *Repository) Create(record *models.ActionRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	result := r.db.Create(record)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert action record")
	}
	return nil
}

// RecordExit stores the exit status on the latest unreaped record of an
// action. A missing record is not an error: the journal may have been
// enabled after the command started.
func (r *Repository) RecordExit(action string, exitCode int, errMsg string) error {
	var record models.ActionRecord
	result := r.db.Where("action = ? AND exit_code IS NULL AND skipped = ?", action, false).
		Order("timestamp DESC, id DESC").
		First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		return errors.Wrapf(result.Error, "failed to find record for %s", action)
	}

	updates := map[string]interface{}{"exit_code": exitCode}
	if errMsg != "" && record.Error == "" {
		updates["error"] = errMsg
	}
	if err := r.db.Model(&record).Updates(updates).Error; err != nil {
		return errors.Wrapf(err, "failed to update exit status of %s", action)
	}
	return nil
}

// GetByID retrieves an action record by its ID
func (r *Repository) GetByID(id uint) (*models.ActionRecord, error) {
	var record models.ActionRecord
	result := r.db.First(&record, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, errors.Wrap(result.Error, "failed to get action record")
	}
	return &record, nil
}

// GetRecordsSince retrieves all action records since a given time, newest first
func (r *Repository) GetRecordsSince(since time.Time) ([]*models.ActionRecord, error) {
	var records []*models.ActionRecord
	result := r.db.Where("timestamp >= ?", since).Order("timestamp DESC, id DESC").Find(&records)

	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query action records")
	}

	return records, nil
}

// GetRecent retrieves the latest limit records, newest first
func (r *Repository) GetRecent(limit int) ([]*models.ActionRecord, error) {
	var records []*models.ActionRecord
	result := r.db.Order("timestamp DESC, id DESC").Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query recent records")
	}
	return records, nil
}

// GetSession retrieves the records of one idle session in firing order
func (r *Repository) GetSession(sessionID string) ([]*models.ActionRecord, error) {
	var records []*models.ActionRecord
	result := r.db.Where("session_id = ?", sessionID).Order("timestamp ASC, id ASC").Find(&records)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query session records")
	}
	return records, nil
}

// GetActionSummarySince returns per-action counts since a given time
func (r *Repository) GetActionSummarySince(since time.Time) ([]models.ActionSummary, error) {
	var summaries []models.ActionSummary

	result := r.db.Model(&models.ActionRecord{}).
		Select(`action,
			COUNT(*) as count,
			SUM(CASE WHEN skipped THEN 1 ELSE 0 END) as skipped,
			SUM(CASE WHEN error <> '' OR (exit_code IS NOT NULL AND exit_code <> 0) THEN 1 ELSE 0 END) as failures`).
		Where("timestamp >= ?", since).
		Group("action").
		Order("count DESC, action ASC").
		Scan(&summaries)

	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query action summary")
	}

	return summaries, nil
}

// CountSessionsSince returns the number of distinct idle sessions that fired
// anything since a given time
func (r *Repository) CountSessionsSince(since time.Time) (int64, error) {
	var n int64
	result := r.db.Model(&models.ActionRecord{}).
		Where("timestamp >= ? AND session_id <> ''", since).
		Distinct("session_id").
		Count(&n)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to count sessions")
	}
	return n, nil
}

// DeleteOldRecords deletes records older than a specified date (soft delete)
func (r *Repository) DeleteOldRecords(before time.Time) (int64, error) {
	result := r.db.Where("timestamp < ?", before).Delete(&models.ActionRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete old records")
	}
	return result.RowsAffected, nil
}

// CreateErrorLog inserts a new error log into the database
func (r *Repository) CreateErrorLog(errorLog *models.ErrorLog) error {
	if errorLog.Timestamp.IsZero() {
		errorLog.Timestamp = time.Now()
	}
	result := r.db.Create(errorLog)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert error log")
	}
	return nil
}

// GetRecentErrors retrieves the latest limit error logs, newest first
func (r *Repository) GetRecentErrors(limit int) ([]*models.ErrorLog, error) {
	var logs []*models.ErrorLog
	result := r.db.Order("timestamp DESC, id DESC").Limit(limit).Find(&logs)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query error logs")
	}
	return logs, nil
}

// Clear removes all action records from the database
func (r *Repository) Clear() error {
	result := r.db.Exec("DELETE FROM action_records")
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to clear action records")
	}
	return nil
}
