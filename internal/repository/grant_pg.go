package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// grantRow is the storage shape of a grant; the policy is kept as JSON.
type grantRow struct {
	Principal   string       `gorm:"primaryKey;type:varchar(42)"`
	AgentID     uint64       `gorm:"primaryKey;autoIncrement:false"`
	Policy      model.Policy `gorm:"serializer:json;type:jsonb"`
	PolicyHash  string       `gorm:"type:varchar(66)"`
	Authorized  bool         `gorm:"index"`
	InstalledAt time.Time
	UpdatedAt   time.Time
	RevokedAt   *time.Time
}

func (grantRow) TableName() string {
	return "agent_grants"
}

type PostgresGrantRepo struct {
	db *gorm.DB
}

func NewPostgresGrantRepo(db *gorm.DB) (*PostgresGrantRepo, error) {
	if err := db.AutoMigrate(&grantRow{}); err != nil {
		return nil, err
	}
	return &PostgresGrantRepo{db: db}, nil
}

func (r *PostgresGrantRepo) Get(ctx context.Context, key model.GrantKey) (*model.Grant, error) {
	var row grantRow
	err := r.db.WithContext(ctx).
		Where("principal = ? AND agent_id = ?", principalColumn(key.Principal), uint64(key.AgentID)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, service.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *PostgresGrantRepo) Save(ctx context.Context, grant *model.Grant) error {
	row := grantRow{
		Principal:   principalColumn(grant.Principal),
		AgentID:     uint64(grant.AgentID),
		Policy:      grant.Policy,
		PolicyHash:  grant.PolicyHash.Hex(),
		Authorized:  grant.Authorized,
		InstalledAt: grant.InstalledAt,
		UpdatedAt:   grant.UpdatedAt,
		RevokedAt:   grant.RevokedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (r *PostgresGrantRepo) ListByPrincipal(ctx context.Context, principal common.Address) ([]*model.Grant, error) {
	var rows []grantRow
	if err := r.db.WithContext(ctx).
		Where("principal = ?", principalColumn(principal)).
		Order("agent_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Grant, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (row *grantRow) toDomain() *model.Grant {
	return &model.Grant{
		Principal:   common.HexToAddress(row.Principal),
		AgentID:     model.AgentID(row.AgentID),
		Policy:      row.Policy,
		PolicyHash:  common.HexToHash(row.PolicyHash),
		Authorized:  row.Authorized,
		InstalledAt: row.InstalledAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
		RevokedAt:   row.RevokedAt,
	}
}

func principalColumn(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
