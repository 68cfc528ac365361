package repository

import (
	"context"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/pkg/pg"
	"gorm.io/gorm/clause"
)

type DeliveryLogRepository struct {
	*pg.DB
}

func NewDeliveryLogRepository(db *pg.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{
		db,
	}
}

// Upsert writes one delivery log row keyed by (message_id, phone).
// Re-dispatching the same recipient updates the existing row in place.
func (r *DeliveryLogRepository) Upsert(ctx context.Context, log *model.DeliveryLog) error {
	entity := toDeliveryLogEntity(log)
	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "phone"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "channel", "sent_at"}),
		}).
		Create(entity).Error
}

// UpsertBatch upserts a chunk's worth of rows in one statement.
func (r *DeliveryLogRepository) UpsertBatch(ctx context.Context, logs []*model.DeliveryLog) error {
	if len(logs) == 0 {
		return nil
	}
	entities := make([]*DeliveryLogEntity, len(logs))
	for i, l := range logs {
		entities[i] = toDeliveryLogEntity(l)
	}
	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "phone"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "channel", "sent_at"}),
		}).
		Create(entities).Error
}

func (r *DeliveryLogRepository) ListByMessage(ctx context.Context, messageID int64) ([]*model.DeliveryLog, error) {
	var entities []*DeliveryLogEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryLogModels(entities), nil
}

// ListByPhone feeds the per-customer history views.
func (r *DeliveryLogRepository) ListByPhone(ctx context.Context, phone string) ([]*model.DeliveryLog, error) {
	var entities []*DeliveryLogEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("phone = ?", phone).
		Order("sent_at DESC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toDeliveryLogModels(entities), nil
}

func (r *DeliveryLogRepository) CountByMessage(ctx context.Context, messageID int64) (int64, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&DeliveryLogEntity{}).
		Where("message_id = ?", messageID).
		Count(&count).Error
	return count, err
}
