package store

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Idempotency record statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IdempotencyRecord is the short-lived exclusivity lock a mutating request
// converts into. At most one non-expired record may exist per key, enforced
// by the unique index.
type IdempotencyRecord struct {
	ID             int64     `gorm:"primaryKey"`
	IdempotencyKey string    `gorm:"size:255;uniqueIndex"`
	UserID         int64     `gorm:"index"`
	UserType       string    `gorm:"size:16"`
	EndpointName   string    `gorm:"size:64"`
	RequestHash    string    `gorm:"size:64"`
	Status         string    `gorm:"size:16"`
	ResponseData   string    `gorm:"type:text"`
	ReferenceID    string    `gorm:"size:64"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

// IdempotencyRecords persists exclusivity records.
type IdempotencyRecords struct {
	db *gorm.DB
}

// NewIdempotencyRecords builds the repository.
func NewIdempotencyRecords(db *gorm.DB) *IdempotencyRecords {
	return &IdempotencyRecords{db: db}
}

// FindActive returns the non-expired record matching all four identity
// fields, or (nil, nil) when none exists.
func (r *IdempotencyRecords) FindActive(ctx context.Context, key string, userID int64, userType, endpoint string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND user_id = ? AND user_type = ? AND endpoint_name = ? AND expires_at > ?",
			key, userID, userType, endpoint, time.Now().UTC()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find active idempotency record")
	}
	return &rec, nil
}

// FindByKey returns the record with the given key regardless of expiry,
// used by the legacy client-token flow.
func (r *IdempotencyRecords) FindByKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find idempotency record by key")
	}
	return &rec, nil
}

// Create inserts the record atomically: on key conflict nothing is written
// and created is false. Two concurrent requests with the identical derived
// key cannot both observe "no existing record" because the decision is made
// by the row uniqueness constraint, not a separate check-then-insert.
func (r *IdempotencyRecords) Create(ctx context.Context, rec *IdempotencyRecord) (created bool, err error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "create idempotency record")
	}
	return res.RowsAffected > 0, nil
}

// Update persists status/response/reference changes on an existing record.
func (r *IdempotencyRecords) Update(ctx context.Context, rec *IdempotencyRecord) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return errors.Wrap(err, "update idempotency record")
	}
	return nil
}

// DeleteByKey removes the record with the given key regardless of expiry,
// freeing the unique index slot for a fresh cycle on the same key.
func (r *IdempotencyRecords) DeleteByKey(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Delete(&IdempotencyRecord{}).Error; err != nil {
		return errors.Wrap(err, "delete idempotency record by key")
	}
	return nil
}

// DeleteExpired removes every record whose expiry has passed and returns
// the number deleted. Safe to run concurrently with lookups, which filter
// on expiry themselves.
func (r *IdempotencyRecords) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&IdempotencyRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "delete expired idempotency records")
	}
	return res.RowsAffected, nil
}
