package entities

import (
	"time"

	"github.com/google/uuid"
)

type TranscriptSegment struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	VideoID    uuid.UUID `json:"video_id" gorm:"type:uuid;index;not null"`
	Index      int       `json:"index" gorm:"column:segment_index;not null"`
	Text       string    `json:"text" gorm:"not null"`
	StartTime  float64   `json:"start_time" gorm:"not null"`
	EndTime    float64   `json:"end_time" gorm:"not null"`
	Confidence *float64  `json:"confidence"`
	Language   *string   `json:"language" gorm:"type:varchar(16)"`
	CreatedAt  time.Time `json:"created_at"`
}

func (TranscriptSegment) TableName() string {
	return "transcripts"
}
