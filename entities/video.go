package entities

import (
	"time"

	"github.com/google/uuid"
	"video-search/constant"
)

type Video struct {
	ID              uuid.UUID            `json:"id" gorm:"type:uuid;primaryKey"`
	Filename        string               `json:"filename" gorm:"not null"`
	OriginalPath    string               `json:"original_path" gorm:"not null"`
	ThumbnailPath   *string              `json:"thumbnail_path"`
	FileSize        int64                `json:"file_size"`
	Duration        *float64             `json:"duration"`
	Width           *int                 `json:"width"`
	Height          *int                 `json:"height"`
	FPS             *float64             `json:"fps"`
	Status          constant.VideoStatus `json:"status" gorm:"type:varchar(32);index;not null;default:pending"`
	ErrorMessage    *string              `json:"error_message"`
	FrameCount      int                  `json:"frame_count" gorm:"not null;default:0"`
	KeyframeCount   int                  `json:"keyframe_count" gorm:"not null;default:0"`
	Progress        int                  `json:"progress" gorm:"not null;default:0"`
	LeaseOwner      *string              `json:"-" gorm:"type:varchar(64)"`
	ProcessingSince *time.Time           `json:"-"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	ProcessedAt     *time.Time           `json:"processed_at"`

	Transcripts []TranscriptSegment `json:"-" gorm:"foreignKey:VideoID;constraint:OnDelete:CASCADE"`
}

func (Video) TableName() string {
	return "videos"
}

// KeyframePrefix is the object-store prefix holding the video's derived images.
func (v *Video) KeyframePrefix() string {
	return "keyframes/" + v.ID.String() + "/"
}
