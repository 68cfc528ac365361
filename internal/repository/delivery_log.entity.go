package repository

import (
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
)

type DeliveryLogEntity struct {
	ID        int64     `db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	MessageID int64     `db:"message_id" gorm:"column:message_id;not null;uniqueIndex:idx_delivery_logs_message_phone"`
	Phone     string    `db:"phone"      gorm:"column:phone;not null;uniqueIndex:idx_delivery_logs_message_phone"`
	Status    string    `db:"status"     gorm:"column:status;not null;index"`
	Channel   string    `db:"channel"    gorm:"column:channel;not null"`
	SentAt    time.Time `db:"sent_at"    gorm:"column:sent_at"`
}

func (DeliveryLogEntity) TableName() string {
	return "delivery_logs"
}

func toDeliveryLogEntity(m *model.DeliveryLog) *DeliveryLogEntity {
	if m == nil {
		return nil
	}
	return &DeliveryLogEntity{
		ID:        m.ID,
		MessageID: m.MessageID,
		Phone:     m.Phone,
		Status:    string(m.Status),
		Channel:   m.Channel,
		SentAt:    m.SentAt,
	}
}

func toDeliveryLogModel(e *DeliveryLogEntity) *model.DeliveryLog {
	if e == nil {
		return nil
	}
	return &model.DeliveryLog{
		ID:        e.ID,
		MessageID: e.MessageID,
		Phone:     e.Phone,
		Status:    model.DeliveryStatus(e.Status),
		Channel:   e.Channel,
		SentAt:    e.SentAt,
	}
}

func toDeliveryLogModels(entities []*DeliveryLogEntity) []*model.DeliveryLog {
	if entities == nil {
		return nil
	}
	models := make([]*model.DeliveryLog, len(entities))
	for i, e := range entities {
		models[i] = toDeliveryLogModel(e)
	}
	return models
}
