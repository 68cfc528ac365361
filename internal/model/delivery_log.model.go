package model

import "time"

// DeliveryStatus is the per-recipient outcome recorded in the delivery log.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
	// DeliveryDraft means accepted locally but not yet confirmed by the
	// aggregator.
	DeliveryDraft DeliveryStatus = "draft"
)

// DeliveryLog is one recipient's delivery record for one campaign message.
// Identity is the (MessageID, Phone) pair; re-dispatch upserts in place.
type DeliveryLog struct {
	ID        int64          `json:"id"`
	MessageID int64          `json:"message_id"`
	Phone     string         `json:"phone"`
	Status    DeliveryStatus `json:"status"`
	Channel   string         `json:"channel"`
	SentAt    time.Time      `json:"sent_at"`
}
