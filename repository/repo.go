package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"video-search/constant"
	"video-search/entities"
)

var (
	ErrNotFound          = errors.New("video not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("video status changed concurrently")
	ErrAlreadyExists     = errors.New("video already exists")
)

type VideoRepository interface {
	GetDB() *gorm.DB
	AutoMigrate(ctx context.Context) error
	CreateVideo(ctx context.Context, video *entities.Video) error
	FindVideoById(ctx context.Context, id uuid.UUID) (*entities.Video, error)
	FindVideosByIds(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*entities.Video, error)
	ListVideos(ctx context.Context, offset, limit int) ([]*entities.Video, int64, error)
	ClaimLease(ctx context.Context, id uuid.UUID, owner string, staleAfter time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to constant.VideoStatus, updates map[string]any) error
	UpdateVideo(ctx context.Context, id uuid.UUID, updates map[string]any) error
	SaveTranscriptSegments(ctx context.Context, id uuid.UUID, segments []entities.TranscriptSegment) error
	GetTranscriptSegments(ctx context.Context, id uuid.UUID) ([]entities.TranscriptSegment, error)
	ResetVideo(ctx context.Context, id uuid.UUID) error
	DeleteVideo(ctx context.Context, id uuid.UUID) error
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) (VideoRepository, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	return &repo{
		db: gormDB,
	}, nil
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&entities.Video{}, &entities.TranscriptSegment{})
}

func (r *repo) CreateVideo(ctx context.Context, video *entities.Video) error {
	if video.ID == uuid.Nil {
		video.ID = uuid.New()
	}
	if video.Status == "" {
		video.Status = constant.VideoStatusPending
	}
	// concurrent registrations of one id: the loser sees ErrAlreadyExists
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(video)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *repo) FindVideoById(ctx context.Context, id uuid.UUID) (*entities.Video, error) {
	video := &entities.Video{}
	err := r.db.WithContext(ctx).First(video, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return video, nil
}

func (r *repo) FindVideosByIds(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*entities.Video, error) {
	found := make(map[uuid.UUID]*entities.Video, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	var videos []*entities.Video
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&videos).Error; err != nil {
		return nil, err
	}
	for _, v := range videos {
		found[v.ID] = v
	}
	return found, nil
}

func (r *repo) ListVideos(ctx context.Context, offset, limit int) ([]*entities.Video, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&entities.Video{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var videos []*entities.Video
	err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&videos).Error
	if err != nil {
		return nil, 0, err
	}
	return videos, total, nil
}

// ClaimLease takes the processing lease when nobody holds it or the holder's
// lease is older than staleAfter.
func (r *repo) ClaimLease(ctx context.Context, id uuid.UUID, owner string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&entities.Video{}).
		Where("id = ? AND (lease_owner IS NULL OR processing_since < ?)", id, now.Add(-staleAfter)).
		Updates(map[string]any{"lease_owner": owner, "processing_since": now})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindVideoById(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *repo) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	return r.db.WithContext(ctx).Model(&entities.Video{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": nil, "processing_since": nil}).Error
}

// TransitionStatus moves the video from -> to only if it is still in from.
func (r *repo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to constant.VideoStatus, updates map[string]any) error {
	if !constant.CanTransition(from, to) {
		return ErrInvalidTransition
	}
	values := map[string]any{"status": to, "progress": 0}
	for k, v := range updates {
		values[k] = v
	}
	res := r.db.WithContext(ctx).Model(&entities.Video{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindVideoById(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (r *repo) UpdateVideo(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&entities.Video{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repo) SaveTranscriptSegments(ctx context.Context, id uuid.UUID, segments []entities.TranscriptSegment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", id).Delete(&entities.TranscriptSegment{}).Error; err != nil {
			return err
		}
		if len(segments) == 0 {
			return nil
		}
		for i := range segments {
			segments[i].VideoID = id
			if segments[i].ID == uuid.Nil {
				segments[i].ID = uuid.New()
			}
		}
		return tx.CreateInBatches(segments, 200).Error
	})
}

func (r *repo) GetTranscriptSegments(ctx context.Context, id uuid.UUID) ([]entities.TranscriptSegment, error) {
	var segments []entities.TranscriptSegment
	err := r.db.WithContext(ctx).Where("video_id = ?", id).
		Order("start_time ASC").Order("segment_index ASC").
		Find(&segments).Error
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// ResetVideo clears a failed run's derived state and puts the video back to
// pending so a new run can be admitted. The lease is left to its holder.
func (r *repo) ResetVideo(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", id).Delete(&entities.TranscriptSegment{}).Error; err != nil {
			return err
		}
		res := tx.Model(&entities.Video{}).
			Where("id = ? AND status = ?", id, constant.VideoStatusFailed).
			Updates(map[string]any{
				"status":         constant.VideoStatusPending,
				"error_message":  nil,
				"frame_count":    0,
				"keyframe_count": 0,
				"progress":       0,
				"thumbnail_path": nil,
				"processed_at":   nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
}

func (r *repo) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", id).Delete(&entities.TranscriptSegment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&entities.Video{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
