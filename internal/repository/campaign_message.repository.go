package repository

import (
	"context"
	"errors"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/pkg/pg"
)

var (
	// ErrNotFound is returned when a campaign message does not exist.
	ErrNotFound = errors.New("campaign message not found")
	// ErrStaleStatus is returned when a compare-and-swap transition finds
	// the row no longer in the expected status.
	ErrStaleStatus = errors.New("campaign message status changed concurrently")
	// ErrIllegalTransition is returned for a status change the state
	// machine does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
)

type CampaignMessageRepository struct {
	*pg.DB
}

func NewCampaignMessageRepository(db *pg.DB) *CampaignMessageRepository {
	return &CampaignMessageRepository{
		db,
	}
}

func (r *CampaignMessageRepository) Create(ctx context.Context, msg *model.CampaignMessage) (*model.CampaignMessage, error) {
	entity := toCampaignMessageEntity(msg)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toCampaignMessageModel(entity), nil
}

func (r *CampaignMessageRepository) Get(ctx context.Context, id int64) (*model.CampaignMessage, error) {
	var entity CampaignMessageEntity
	err := r.Read(ctx).WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toCampaignMessageModel(&entity), nil
}

func (r *CampaignMessageRepository) List(ctx context.Context, f model.CampaignFilter) ([]*model.CampaignMessage, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&CampaignMessageEntity{})

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*CampaignMessageEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toCampaignMessageModels(entities), total, nil
}

// ListDue returns draft messages whose scheduled time has passed, oldest
// first. The dispatcher's scheduler polls this.
func (r *CampaignMessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.CampaignMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*CampaignMessageEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ?", string(model.StatusDraft)).
		Where("scheduled_at IS NOT NULL AND scheduled_at <= ?", now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toCampaignMessageModels(entities), nil
}

// ListByStatus returns all messages in the given statuses, for repair scans.
func (r *CampaignMessageRepository) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.CampaignMessage, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	var entities []*CampaignMessageEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status IN ?", ss).
		Order("id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toCampaignMessageModels(entities), nil
}

// DispatchStatePatch carries the fields the reconciler and repair routines
// are allowed to mutate. Nil fields are left untouched.
type DispatchStatePatch struct {
	Status        *model.CampaignStatus
	GroupIDs      model.GroupIDSet // replaces the stored set when non-nil
	SentCount     *int
	SuccessCount  *int
	FailCount     *int
	SentAt        *time.Time
	Media         *model.MediaRef
	ClearSchedule bool
}

// UpdateDispatchState applies a partial update inside a transaction. A
// status change is validated against the state machine using the row's
// current status, so a stale caller cannot regress a terminal message.
// Every call touches updated_at.
func (r *CampaignMessageRepository) UpdateDispatchState(ctx context.Context, id int64, patch DispatchStatePatch) (*model.CampaignMessage, error) {
	var updated *model.CampaignMessage

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity CampaignMessageEntity
		if err := r.Write(ctx).WithContext(ctx).First(&entity, "id = ?", id).Error; err != nil {
			if isRecordNotFound(err) {
				return ErrNotFound
			}
			return err
		}

		if patch.Status != nil && string(*patch.Status) != entity.Status {
			if !model.CanTransition(model.CampaignStatus(entity.Status), *patch.Status) {
				return ErrIllegalTransition
			}
			entity.Status = string(*patch.Status)
		}
		if patch.GroupIDs != nil {
			entity.GroupIDs = patch.GroupIDs.String()
		}
		if patch.SentCount != nil {
			entity.SentCount = *patch.SentCount
		}
		if patch.SuccessCount != nil {
			entity.SuccessCount = *patch.SuccessCount
		}
		if patch.FailCount != nil {
			entity.FailCount = *patch.FailCount
		}
		if patch.SentAt != nil && entity.SentAt == nil {
			entity.SentAt = patch.SentAt
		}
		if patch.Media != nil {
			entity.MediaKind = string(patch.Media.Kind)
			entity.MediaRef = patch.Media.Value
		}
		if patch.ClearSchedule {
			entity.ScheduledAt = nil
		}
		entity.UpdatedAt = time.Now()

		if err := r.Write(ctx).WithContext(ctx).Save(&entity).Error; err != nil {
			return err
		}
		updated = toCampaignMessageModel(&entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TransitionStatus performs a compare-and-swap on the status column. It
// fails with ErrStaleStatus when another flow moved the row first, which is
// how a live dispatch and a repair run avoid clobbering each other.
func (r *CampaignMessageRepository) TransitionStatus(ctx context.Context, id int64, from, to model.CampaignStatus) error {
	if !model.CanTransition(from, to) {
		return ErrIllegalTransition
	}

	res := r.Write(ctx).WithContext(ctx).
		Model(&CampaignMessageEntity{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]interface{}{
			"status":     string(to),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing row from a concurrent writer.
		var count int64
		if err := r.Read(ctx).WithContext(ctx).Model(&CampaignMessageEntity{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}
