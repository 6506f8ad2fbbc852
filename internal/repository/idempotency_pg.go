package repository

import (
	"context"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type idempotencyRow struct {
	Key          string `gorm:"primaryKey;type:varchar(66)"`
	Fingerprint  string `gorm:"type:varchar(66)"`
	StatusCode   int    `gorm:"not null;default:0"`
	ResponseBody []byte
	Pending      bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index"`
}

func (idempotencyRow) TableName() string {
	return "idempotency_keys"
}

type PostgresIdempotencyStore struct {
	db *gorm.DB
}

func NewPostgresIdempotencyStore(db *gorm.DB) (*PostgresIdempotencyStore, error) {
	if err := db.AutoMigrate(&idempotencyRow{}); err != nil {
		return nil, err
	}
	return &PostgresIdempotencyStore{db: db}, nil
}

func (s *PostgresIdempotencyStore) Reserve(key, fingerprint string) (*middleware.IdempotencyRecord, bool) {
	db := s.db.WithContext(context.Background())
	claim := idempotencyRow{Key: key, Fingerprint: fingerprint, Pending: true, CreatedAt: time.Now().UTC()}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
	if res.Error == nil && res.RowsAffected > 0 {
		return nil, false
	}

	var row idempotencyRow
	if err := db.Where("key = ?", key).First(&row).Error; err != nil {
		return nil, false
	}
	return &middleware.IdempotencyRecord{
		Fingerprint: row.Fingerprint,
		Status:      row.StatusCode,
		Body:        row.ResponseBody,
		CreatedAt:   row.CreatedAt.UTC(),
		Pending:     row.Pending,
	}, true
}

func (s *PostgresIdempotencyStore) Complete(key string, status int, body []byte) {
	_ = s.db.WithContext(context.Background()).
		Model(&idempotencyRow{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"status_code":   status,
			"response_body": body,
			"pending":       false,
		}).Error
}

func (s *PostgresIdempotencyStore) Release(key string) {
	_ = s.db.WithContext(context.Background()).Where("key = ?", key).Delete(&idempotencyRow{}).Error
}

// Cleanup removes finished keys past retention. Pending rows are left for Release.
func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.db.WithContext(ctx).
		Where("created_at < ? AND pending = ?", cutoff, false).
		Delete(&idempotencyRow{}).Error
}
