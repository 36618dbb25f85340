package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dukabook/kredo/internal/scheduler/guard"
	"github.com/dukabook/kredo/pkg/db"
	"gorm.io/gorm"
)

// SweepRun records the last calendar day each daily job ran, so a restart or
// a second replica cannot repeat a sweep within the same day.
type SweepRun struct {
	JobName     string `gorm:"primaryKey;type:text"`
	LastRunDate string `gorm:"type:text;not null"`
	Version     int64  `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

func (SweepRun) TableName() string { return "sweep_runs" }

// claimDailyRun atomically claims today's run for a job. It returns false
// when another writer claimed it first or the job already ran today.
func (s *Scheduler) claimDailyRun(ctx context.Context, jobName string, now time.Time) (bool, error) {
	today := guard.DateKey(now)

	var run SweepRun
	err := s.db.WithContext(ctx).Where("job_name = ?", jobName).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		createErr := s.db.WithContext(ctx).Create(&SweepRun{
			JobName:     jobName,
			LastRunDate: today,
			Version:     1,
			UpdatedAt:   now,
		}).Error
		if db.IsDuplicateKeyErr(createErr) {
			return false, nil
		}
		return createErr == nil, createErr
	}
	if err != nil {
		return false, err
	}
	if run.LastRunDate == today {
		return false, nil
	}

	res := s.db.WithContext(ctx).
		Model(&SweepRun{}).
		Where("job_name = ? AND version = ?", jobName, run.Version).
		Updates(map[string]any{
			"last_run_date": today,
			"version":       run.Version + 1,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// lastRunDate returns the recorded run day for a job, empty when it never ran.
func (s *Scheduler) lastRunDate(ctx context.Context, jobName string) (string, error) {
	var run SweepRun
	err := s.db.WithContext(ctx).Where("job_name = ?", jobName).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return run.LastRunDate, nil
}
