package repository

import (
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
)

type MediaAssetEntity struct {
	ID         int64     `db:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	SourceURL  string    `db:"source_url"  gorm:"column:source_url;not null;uniqueIndex"`
	Handle     string    `db:"handle"      gorm:"column:handle;not null"`
	ResolvedAt time.Time `db:"resolved_at" gorm:"column:resolved_at"`
}

func (MediaAssetEntity) TableName() string {
	return "media_assets"
}

func toMediaAssetEntity(m *model.MediaAsset) *MediaAssetEntity {
	if m == nil {
		return nil
	}
	return &MediaAssetEntity{
		ID:         m.ID,
		SourceURL:  m.SourceURL,
		Handle:     m.Handle,
		ResolvedAt: m.ResolvedAt,
	}
}

func toMediaAssetModel(e *MediaAssetEntity) *model.MediaAsset {
	if e == nil {
		return nil
	}
	return &model.MediaAsset{
		ID:         e.ID,
		SourceURL:  e.SourceURL,
		Handle:     e.Handle,
		ResolvedAt: e.ResolvedAt,
	}
}
