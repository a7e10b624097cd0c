package constant

type VideoStatus string

const (
	VideoStatusPending          VideoStatus = "pending"
	VideoStatusProcessing       VideoStatus = "processing"
	VideoStatusExtractingFrames VideoStatus = "extracting_frames"
	VideoStatusExtractingAudio  VideoStatus = "extracting_audio"
	VideoStatusTranscribing     VideoStatus = "transcribing"
	VideoStatusEmbedding        VideoStatus = "embedding"
	VideoStatusCompleted        VideoStatus = "completed"
	VideoStatusFailed           VideoStatus = "failed"
)

// Pipeline lists the forward path a video takes, in order.
var Pipeline = []VideoStatus{
	VideoStatusPending,
	VideoStatusProcessing,
	VideoStatusExtractingFrames,
	VideoStatusExtractingAudio,
	VideoStatusTranscribing,
	VideoStatusEmbedding,
	VideoStatusCompleted,
}

var transitions = map[VideoStatus][]VideoStatus{
	VideoStatusPending:          {VideoStatusProcessing, VideoStatusFailed},
	VideoStatusProcessing:       {VideoStatusExtractingFrames, VideoStatusFailed},
	VideoStatusExtractingFrames: {VideoStatusExtractingAudio, VideoStatusFailed},
	VideoStatusExtractingAudio:  {VideoStatusTranscribing, VideoStatusFailed},
	VideoStatusTranscribing:     {VideoStatusEmbedding, VideoStatusFailed},
	VideoStatusEmbedding:        {VideoStatusCompleted, VideoStatusFailed},
}

func (s VideoStatus) String() string {
	return string(s)
}

func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusExtractingFrames,
		VideoStatusExtractingAudio, VideoStatusTranscribing, VideoStatusEmbedding,
		VideoStatusCompleted, VideoStatusFailed:
		return true
	}
	return false
}

func (s VideoStatus) Terminal() bool {
	return s == VideoStatusCompleted || s == VideoStatusFailed
}

// Active reports whether a run owns the video in this state.
func (s VideoStatus) Active() bool {
	return s.Valid() && !s.Terminal() && s != VideoStatusPending
}

// Next returns the forward successor of s, or false for terminal states.
func (s VideoStatus) Next() (VideoStatus, bool) {
	for _, to := range transitions[s] {
		if to != VideoStatusFailed {
			return to, true
		}
	}
	return "", false
}

// StageIndex is the 1-based position of s on the forward path, 0 for failed.
func (s VideoStatus) StageIndex() int {
	for i, st := range Pipeline {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to VideoStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanReset reports whether a new run may start from s. Only failed videos are
// reset; the reset is a new run rather than an edge of the current one.
func CanReset(s VideoStatus) bool {
	return s == VideoStatusFailed
}

type SearchMode string

const (
	SearchModeVisual SearchMode = "visual"
	SearchModeSpeech SearchMode = "speech"
	SearchModeHybrid SearchMode = "hybrid"
)

func (m SearchMode) String() string {
	return string(m)
}

func (m SearchMode) Valid() bool {
	return m == SearchModeVisual || m == SearchModeSpeech || m == SearchModeHybrid
}

func (m SearchMode) UsesVisual() bool {
	return m == SearchModeVisual || m == SearchModeHybrid
}

func (m SearchMode) UsesSpeech() bool {
	return m == SearchModeSpeech || m == SearchModeHybrid
}

type ResultType string

const (
	ResultTypeVisual ResultType = "visual"
	ResultTypeSpeech ResultType = "speech"
)

func (r ResultType) String() string {
	return string(r)
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

type VectorBackend string

const (
	VectorBackendMemory   VectorBackend = "memory"
	VectorBackendMilvus   VectorBackend = "milvus"
	VectorBackendPgVector VectorBackend = "pgvector"
)

type TranscriberBackend string

const (
	TranscriberBackendOpenAI     TranscriberBackend = "openai"
	TranscriberBackendWhisperCLI TranscriberBackend = "whisper-cli"
)

type StorageBackend string

const (
	StorageBackendMinIO StorageBackend = "minio"
	StorageBackendLocal StorageBackend = "local"
)

const (
	CancelledMessage = "cancelled"
	ThumbnailName    = "thumbnail.jpg"
)
