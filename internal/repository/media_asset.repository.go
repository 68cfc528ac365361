package repository

import (
	"context"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/pkg/pg"
	"gorm.io/gorm/clause"
)

// MediaAssetRepository is the persisted half of the media handle cache:
// one aggregator handle per distinct source URL.
type MediaAssetRepository struct {
	*pg.DB
}

func NewMediaAssetRepository(db *pg.DB) *MediaAssetRepository {
	return &MediaAssetRepository{
		db,
	}
}

func (r *MediaAssetRepository) GetBySourceURL(ctx context.Context, url string) (*model.MediaAsset, error) {
	var entity MediaAssetEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "source_url = ?", url).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toMediaAssetModel(&entity), nil
}

// Save upserts on the source_url uniqueness constraint, so two concurrent
// resolutions of the same image converge on one row.
func (r *MediaAssetRepository) Save(ctx context.Context, asset *model.MediaAsset) (*model.MediaAsset, error) {
	entity := toMediaAssetEntity(asset)
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_url"}},
			DoUpdates: clause.AssignmentColumns([]string{"handle", "resolved_at"}),
		}).
		Create(entity).Error
	if err != nil {
		return nil, err
	}
	return toMediaAssetModel(entity), nil
}
