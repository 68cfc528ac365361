package repository

import (
	"encoding/json"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"gorm.io/datatypes"
)

type CampaignMessageEntity struct {
	ID           int64          `db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	Text         string         `db:"text"          gorm:"column:text;not null"`
	Type         string         `db:"type"          gorm:"column:type;not null"`
	MediaKind    string         `db:"media_kind"    gorm:"column:media_kind;not null;default:none"`
	MediaRef     string         `db:"media_ref"     gorm:"column:media_ref"`
	Recipients   datatypes.JSON `db:"recipients"    gorm:"column:recipients;not null"`
	Status       string         `db:"status"        gorm:"column:status;not null;index"`
	GroupIDs     string         `db:"group_ids"     gorm:"column:group_ids"` // comma-joined set
	SentCount    int            `db:"sent_count"    gorm:"column:sent_count;not null;default:0"`
	SuccessCount int            `db:"success_count" gorm:"column:success_count;not null;default:0"`
	FailCount    int            `db:"fail_count"    gorm:"column:fail_count;not null;default:0"`
	SentAt       *time.Time     `db:"sent_at"       gorm:"column:sent_at"`
	ScheduledAt  *time.Time     `db:"scheduled_at"  gorm:"column:scheduled_at;index"`
	CreatedAt    time.Time      `db:"created_at"    gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `db:"updated_at"    gorm:"column:updated_at;autoUpdateTime"`
}

func (CampaignMessageEntity) TableName() string {
	return "campaign_messages"
}

func toCampaignMessageEntity(m *model.CampaignMessage) *CampaignMessageEntity {
	if m == nil {
		return nil
	}
	recipients, _ := json.Marshal(m.Recipients)
	return &CampaignMessageEntity{
		ID:           m.ID,
		Text:         m.Text,
		Type:         string(m.Type),
		MediaKind:    string(m.Media.Kind),
		MediaRef:     m.Media.Value,
		Recipients:   recipients,
		Status:       string(m.Status),
		GroupIDs:     m.GroupIDs.String(),
		SentCount:    m.SentCount,
		SuccessCount: m.SuccessCount,
		FailCount:    m.FailCount,
		SentAt:       m.SentAt,
		ScheduledAt:  m.ScheduledAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toCampaignMessageModel(e *CampaignMessageEntity) *model.CampaignMessage {
	if e == nil {
		return nil
	}
	var recipients []string
	_ = json.Unmarshal(e.Recipients, &recipients)

	// Rows written before the media_kind column existed carry only the raw
	// reference; classify once here, at the boundary.
	var media model.MediaRef
	if e.MediaKind == "" {
		media = model.ClassifyMediaRef(e.MediaRef)
	} else {
		media = model.MediaRef{Kind: model.MediaKind(e.MediaKind), Value: e.MediaRef}
	}

	return &model.CampaignMessage{
		ID:           e.ID,
		Text:         e.Text,
		Type:         model.MessageType(e.Type),
		Media:        media,
		Recipients:   recipients,
		Status:       model.CampaignStatus(e.Status),
		GroupIDs:     model.ParseGroupIDs(e.GroupIDs),
		SentCount:    e.SentCount,
		SuccessCount: e.SuccessCount,
		FailCount:    e.FailCount,
		SentAt:       e.SentAt,
		ScheduledAt:  e.ScheduledAt,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func toCampaignMessageModels(entities []*CampaignMessageEntity) []*model.CampaignMessage {
	if entities == nil {
		return nil
	}
	models := make([]*model.CampaignMessage, len(entities))
	for i, e := range entities {
		models[i] = toCampaignMessageModel(e)
	}
	return models
}
