package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, provider, externalRef string) (*Job, error)
	// Transition applies changes only while the row still has the observed
	// state and progress.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from State, fromProgress int, changes map[string]any) (bool, error)
	ListInFlight(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]*Job, error)
	ListStale(ctx context.Context, db *gorm.DB, states []State, column string, before time.Time, limit int) ([]*Job, error)
	ListUnrefunded(ctx context.Context, db *gorm.DB, limit int) ([]*Job, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
