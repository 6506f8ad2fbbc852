package repository

import (
	"context"
	"errors"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type counterRow struct {
	Principal          string          `gorm:"primaryKey;type:varchar(42)"`
	AgentID            uint64          `gorm:"primaryKey;autoIncrement:false"`
	DayIndex           int64           `gorm:"not null;default:0"`
	WeekIndex          int64           `gorm:"not null;default:0"`
	HourIndex          int64           `gorm:"not null;default:0"`
	VolumeToday        decimal.Decimal `gorm:"type:numeric(78,18);not null;default:0"`
	VolumeThisWeek     decimal.Decimal `gorm:"type:numeric(78,18);not null;default:0"`
	TradesToday        uint32          `gorm:"not null;default:0"`
	TradesThisHour     uint32          `gorm:"not null;default:0"`
	LastTradeTimestamp int64           `gorm:"not null;default:0"`
	DrawdownToday      uint32          `gorm:"not null;default:0"`
	DrawdownThisWeek   uint32          `gorm:"not null;default:0"`
}

func (counterRow) TableName() string {
	return "rolling_counters"
}

// PostgresCounterStore persists rolling counters so limits survive restarts.
type PostgresCounterStore struct {
	db *gorm.DB
}

func NewPostgresCounterStore(db *gorm.DB) (*PostgresCounterStore, error) {
	if err := db.AutoMigrate(&counterRow{}); err != nil {
		return nil, err
	}
	return &PostgresCounterStore{db: db}, nil
}

func (s *PostgresCounterStore) Load(ctx context.Context, key model.GrantKey) (model.RollingCounters, error) {
	var row counterRow
	err := s.db.WithContext(ctx).
		Where("principal = ? AND agent_id = ?", principalColumn(key.Principal), uint64(key.AgentID)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 没有记录就是全 0
		return model.RollingCounters{}, nil
	}
	if err != nil {
		return model.RollingCounters{}, err
	}
	return model.RollingCounters{
		DayIndex:           row.DayIndex,
		WeekIndex:          row.WeekIndex,
		HourIndex:          row.HourIndex,
		VolumeToday:        row.VolumeToday,
		VolumeThisWeek:     row.VolumeThisWeek,
		TradesToday:        row.TradesToday,
		TradesThisHour:     row.TradesThisHour,
		LastTradeTimestamp: row.LastTradeTimestamp,
		DrawdownToday:      row.DrawdownToday,
		DrawdownThisWeek:   row.DrawdownThisWeek,
	}, nil
}

func (s *PostgresCounterStore) Save(ctx context.Context, key model.GrantKey, c model.RollingCounters) error {
	row := counterRow{
		Principal:          principalColumn(key.Principal),
		AgentID:            uint64(key.AgentID),
		DayIndex:           c.DayIndex,
		WeekIndex:          c.WeekIndex,
		HourIndex:          c.HourIndex,
		VolumeToday:        c.VolumeToday,
		VolumeThisWeek:     c.VolumeThisWeek,
		TradesToday:        c.TradesToday,
		TradesThisHour:     c.TradesThisHour,
		LastTradeTimestamp: c.LastTradeTimestamp,
		DrawdownToday:      c.DrawdownToday,
		DrawdownThisWeek:   c.DrawdownThisWeek,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *PostgresCounterStore) Reset(ctx context.Context, key model.GrantKey) error {
	return s.db.WithContext(ctx).
		Where("principal = ? AND agent_id = ?", principalColumn(key.Principal), uint64(key.AgentID)).
		Delete(&counterRow{}).Error
}
