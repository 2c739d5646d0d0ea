package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/generation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	return db.WithContext(ctx).Create(job).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, provider, externalRef string) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).
		Where("provider = ? AND external_ref = ?", provider, externalRef).
		Order("id desc").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.State, fromProgress int, changes map[string]any) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND state = ? AND progress = ?", id, from, fromProgress).
		Updates(changes)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListInFlight(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := db.WithContext(ctx).
		Where("state IN ? AND external_ref IS NOT NULL AND id > ?", domain.InFlightStates, after).
		Order("id asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListStale returns jobs in states whose timestamp column predates before.
func (r *repo) ListStale(ctx context.Context, db *gorm.DB, states []domain.State, column string, before time.Time, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	stmt := db.WithContext(ctx).Where("state IN ?", states)
	switch column {
	case "dispatched_at":
		stmt = stmt.Where("COALESCE(dispatched_at, created_at) < ?", before)
	default:
		stmt = stmt.Where("updated_at < ?", before)
	}
	err := stmt.
		Order("id asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *repo) ListUnrefunded(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := db.WithContext(ctx).
		Where("state = ? AND used_free_tier = ? AND credits_charged > 0 AND refunded_at IS NULL", domain.StateFailed, false).
		Order("id asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND refunded_at IS NULL", id).
		Update("refunded_at", at).Error
}
