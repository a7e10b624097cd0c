package dto

import (
	"time"

	"github.com/google/uuid"
)

// IngestMessage is published on the ingest queue and consumed by the workers.
type IngestMessage struct {
	VideoId    uuid.UUID `json:"videoId"`
	ObjectPath string    `json:"objectPath"`
	FileName   string    `json:"fileName"`
}

type IngestRequest struct {
	VideoId    *uuid.UUID `json:"video_id"`
	ObjectPath string     `json:"object_path" binding:"required"`
	FileName   string     `json:"file_name"`
}

type IngestResponse struct {
	VideoId uuid.UUID `json:"video_id"`
	Status  string    `json:"status"`
}

type SearchRequest struct {
	Query     string   `json:"query"`
	Mode      string   `json:"mode"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

type SearchResult struct {
	VideoId      uuid.UUID `json:"video_id"`
	Filename     string    `json:"filename"`
	Timestamp    float64   `json:"timestamp"`
	EndTimestamp *float64  `json:"end_timestamp,omitempty"`
	Score        float64   `json:"score"`
	ResultType   string    `json:"result_type"`
	Text         *string   `json:"text,omitempty"`
	FramePath    *string   `json:"frame_path,omitempty"`
	Thumbnail    *string   `json:"thumbnail_path,omitempty"`
}

type SearchResponse struct {
	Query   string         `json:"query"`
	Mode    string         `json:"mode"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

type Progress struct {
	Stage      string `json:"stage"`
	StageIndex int    `json:"stage_index"`
	StageCount int    `json:"stage_count"`
	Percent    int    `json:"percent"`
}

type StatusResponse struct {
	VideoId       uuid.UUID  `json:"video_id"`
	Filename      string     `json:"filename"`
	Status        string     `json:"status"`
	ErrorMessage  *string    `json:"error_message"`
	FileSize      int64      `json:"file_size"`
	Duration      *float64   `json:"duration"`
	Width         *int       `json:"width"`
	Height        *int       `json:"height"`
	FPS           *float64   `json:"fps"`
	FrameCount    int        `json:"frame_count"`
	KeyframeCount int        `json:"keyframe_count"`
	ThumbnailPath *string    `json:"thumbnail_path"`
	Progress      Progress   `json:"progress"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

type TranscriptSegment struct {
	Text       string   `json:"text"`
	StartTime  float64  `json:"start_time"`
	EndTime    float64  `json:"end_time"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type TranscriptResponse struct {
	VideoId  uuid.UUID           `json:"video_id"`
	Segments []TranscriptSegment `json:"segments"`
	FullText string              `json:"full_text"`
}

type VideoListResponse struct {
	Videos   []StatusResponse `json:"videos"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
