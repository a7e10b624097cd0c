package config

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	Server      Server        `yaml:"server"`
	ObjectStore ObjectStore   `yaml:"object_store"`
	Vector      Vector        `yaml:"vector"`
	Embedding   Embedding     `yaml:"embedding"`
	Transcriber Transcriber   `yaml:"transcriber"`
	Media       Media         `yaml:"media"`
	Pipeline    Pipeline      `yaml:"pipeline"`
	Search      Search        `yaml:"search"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
	QueueName    string `json:"queue_name"`
	RoutingKey   string `json:"routing_key"`
	MaxRetries   uint   `json:"max_retries"`
	// DrainTimeout bounds how long in-flight messages may finish after
	// shutdown starts before they are interrupted and requeued.
	DrainTimeout time.Duration `json:"drain_timeout"`
}

type ObjectStore struct {
	Backend   string `yaml:"backend"`
	LocalRoot string `yaml:"local_root"`
}

type Vector struct {
	Backend          string `yaml:"backend"`
	MilvusAddress    string `yaml:"milvus_address"`
	MilvusUser       string `yaml:"milvus_user"`
	MilvusPassword   string `yaml:"milvus_password"`
	PgVectorDSN      string `yaml:"pgvector_dsn"`
	VisualCollection string `yaml:"visual_collection"`
	SpeechCollection string `yaml:"speech_collection"`
}

type Embedding struct {
	TextBaseURL string        `yaml:"text_base_url"`
	TextAPIKey  string        `yaml:"text_api_key"`
	TextModel   string        `yaml:"text_model"`
	TextDim     int           `yaml:"text_dim"`
	VisualURL   string        `yaml:"visual_url"`
	VisualDim   int           `yaml:"visual_dim"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Transcriber struct {
	Backend  string   `yaml:"backend"`
	BaseURL  string   `yaml:"base_url"`
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	Binary   string   `yaml:"binary"`
	Args     []string `yaml:"args"`
	Language string   `yaml:"language"`
}

type Media struct {
	FFmpegPath     string  `yaml:"ffmpeg_path"`
	FFprobePath    string  `yaml:"ffprobe_path"`
	SceneThreshold float64 `yaml:"scene_threshold"`
	ThumbnailWidth int     `yaml:"thumbnail_width"`
	SampleRate     int     `yaml:"sample_rate"`
	WorkDir        string  `yaml:"work_dir"`
}

type Pipeline struct {
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	FramesTimeout     time.Duration `yaml:"frames_timeout"`
	AudioTimeout      time.Duration `yaml:"audio_timeout"`
	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`
	EmbedTimeout      time.Duration `yaml:"embed_timeout"`
	IndexTimeout      time.Duration `yaml:"index_timeout"`
	MetadataTimeout   time.Duration `yaml:"metadata_timeout"`
	EmbedWorkers      int           `yaml:"embed_workers"`
	LeaseStaleAfter   time.Duration `yaml:"lease_stale_after"`
}

type Search struct {
	VisualMidpoint  float64       `yaml:"visual_midpoint"`
	VisualSteepness float64       `yaml:"visual_steepness"`
	DedupWindow     float64       `yaml:"dedup_window"`
	Overfetch       int           `yaml:"overfetch"`
	DefaultLimit    int           `yaml:"default_limit"`
	MaxLimit        int           `yaml:"max_limit"`
	DefaultThresh   float64       `yaml:"default_threshold"`
	MaxQueryLength  int           `yaml:"max_query_length"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

func setDefaults() {
	viper.SetDefault("app.environment", "develop")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.workers", 2)

	viper.SetDefault("rabbitmq_host", "localhost")
	viper.SetDefault("rabbitmq_port", 5672)
	viper.SetDefault("rabbitmq_user", "guest")
	viper.SetDefault("rabbitmq_pass", "guest")
	viper.SetDefault("rabbitmq_kind", "topic")
	viper.SetDefault("rabbitmq_exchange", "video_exchange")
	viper.SetDefault("rabbitmq_queue", "video_ingest_queue")
	viper.SetDefault("rabbitmq_routing_key", "video.ingest.request")
	viper.SetDefault("rabbitmq_max_retries", 3)
	viper.SetDefault("rabbitmq_drain_timeout", 30*time.Second)

	viper.SetDefault("minio.url", "localhost:9000")
	viper.SetDefault("minio.bucket", "videos")
	viper.SetDefault("object_store.backend", "minio")
	viper.SetDefault("object_store.local_root", "data")

	viper.SetDefault("vector.backend", "memory")
	viper.SetDefault("vector.milvus_address", "localhost:19530")
	viper.SetDefault("vector.visual_collection", "visual_embeddings")
	viper.SetDefault("vector.speech_collection", "speech_embeddings")

	viper.SetDefault("embedding.text_model", "text-embedding-3-small")
	viper.SetDefault("embedding.text_dim", 384)
	viper.SetDefault("embedding.visual_url", "http://localhost:8001")
	viper.SetDefault("embedding.visual_dim", 768)
	viper.SetDefault("embedding.timeout", 30*time.Second)

	viper.SetDefault("transcriber.backend", "openai")
	viper.SetDefault("transcriber.model", "whisper-1")
	viper.SetDefault("transcriber.binary", "whisper")

	viper.SetDefault("media.ffmpeg_path", "ffmpeg")
	viper.SetDefault("media.ffprobe_path", "ffprobe")
	viper.SetDefault("media.scene_threshold", 0.3)
	viper.SetDefault("media.thumbnail_width", 640)
	viper.SetDefault("media.sample_rate", 16000)
	viper.SetDefault("media.work_dir", "temp")

	viper.SetDefault("pipeline.download_timeout", 10*time.Minute)
	viper.SetDefault("pipeline.probe_timeout", 30*time.Second)
	viper.SetDefault("pipeline.frames_timeout", 10*time.Minute)
	viper.SetDefault("pipeline.audio_timeout", 5*time.Minute)
	viper.SetDefault("pipeline.transcribe_timeout", 20*time.Minute)
	viper.SetDefault("pipeline.embed_timeout", 30*time.Second)
	viper.SetDefault("pipeline.index_timeout", time.Minute)
	viper.SetDefault("pipeline.metadata_timeout", 10*time.Second)
	viper.SetDefault("pipeline.embed_workers", 4)
	viper.SetDefault("pipeline.lease_stale_after", time.Hour)

	viper.SetDefault("search.visual_midpoint", 0.18)
	viper.SetDefault("search.visual_steepness", 12.0)
	viper.SetDefault("search.dedup_window", 2.0)
	viper.SetDefault("search.overfetch", 4)
	viper.SetDefault("search.default_limit", 10)
	viper.SetDefault("search.max_limit", 50)
	viper.SetDefault("search.default_threshold", 0.1)
	viper.SetDefault("search.max_query_length", 500)
	viper.SetDefault("search.query_timeout", 15*time.Second)
}

func Load(path string) (*Config, error) {
	// a missing .env is fine, the process environment still applies
	_ = godotenv.Load(filepath.Join(path, ".env"))

	setDefaults()
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host:         viper.GetString("rabbitmq_host"),
		Port:         viper.GetInt("rabbitmq_port"),
		User:         viper.GetString("rabbitmq_user"),
		Pass:         viper.GetString("rabbitmq_pass"),
		Kind:         viper.GetString("rabbitmq_kind"),
		ExchangeName: viper.GetString("rabbitmq_exchange"),
		QueueName:    viper.GetString("rabbitmq_queue"),
		RoutingKey:   viper.GetString("rabbitmq_routing_key"),
		MaxRetries:   viper.GetUint("rabbitmq_max_retries"),
		DrainTimeout: viper.GetDuration("rabbitmq_drain_timeout"),
	}

	var minioClient *minio.Client
	if viper.GetString("object_store.backend") == "minio" {
		minioClient, err = minio.New(viper.GetString("minio.url"), &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
			Secure: viper.GetBool("minio.secure"),
		})
		if err != nil {
			return nil, err
		}
	}

	return &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			Host:        viper.GetString("app.host"),
			Protocol:    viper.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
			Workers:  viper.GetInt("server.workers"),
		},
		DB:      db,
		Queue:   rabbitmq,
		Storage: minioClient,
		ObjectStore: ObjectStore{
			Backend:   viper.GetString("object_store.backend"),
			LocalRoot: viper.GetString("object_store.local_root"),
		},
		Vector: Vector{
			Backend:          viper.GetString("vector.backend"),
			MilvusAddress:    viper.GetString("vector.milvus_address"),
			MilvusUser:       viper.GetString("vector.milvus_user"),
			MilvusPassword:   viper.GetString("vector.milvus_password"),
			PgVectorDSN:      viper.GetString("vector.pgvector_dsn"),
			VisualCollection: viper.GetString("vector.visual_collection"),
			SpeechCollection: viper.GetString("vector.speech_collection"),
		},
		Embedding: Embedding{
			TextBaseURL: viper.GetString("embedding.text_base_url"),
			TextAPIKey:  viper.GetString("embedding.text_api_key"),
			TextModel:   viper.GetString("embedding.text_model"),
			TextDim:     viper.GetInt("embedding.text_dim"),
			VisualURL:   viper.GetString("embedding.visual_url"),
			VisualDim:   viper.GetInt("embedding.visual_dim"),
			Timeout:     viper.GetDuration("embedding.timeout"),
		},
		Transcriber: Transcriber{
			Backend:  viper.GetString("transcriber.backend"),
			BaseURL:  viper.GetString("transcriber.base_url"),
			APIKey:   viper.GetString("transcriber.api_key"),
			Model:    viper.GetString("transcriber.model"),
			Binary:   viper.GetString("transcriber.binary"),
			Args:     viper.GetStringSlice("transcriber.args"),
			Language: viper.GetString("transcriber.language"),
		},
		Media: Media{
			FFmpegPath:     viper.GetString("media.ffmpeg_path"),
			FFprobePath:    viper.GetString("media.ffprobe_path"),
			SceneThreshold: viper.GetFloat64("media.scene_threshold"),
			ThumbnailWidth: viper.GetInt("media.thumbnail_width"),
			SampleRate:     viper.GetInt("media.sample_rate"),
			WorkDir:        viper.GetString("media.work_dir"),
		},
		Pipeline: Pipeline{
			DownloadTimeout:   viper.GetDuration("pipeline.download_timeout"),
			ProbeTimeout:      viper.GetDuration("pipeline.probe_timeout"),
			FramesTimeout:     viper.GetDuration("pipeline.frames_timeout"),
			AudioTimeout:      viper.GetDuration("pipeline.audio_timeout"),
			TranscribeTimeout: viper.GetDuration("pipeline.transcribe_timeout"),
			EmbedTimeout:      viper.GetDuration("pipeline.embed_timeout"),
			IndexTimeout:      viper.GetDuration("pipeline.index_timeout"),
			MetadataTimeout:   viper.GetDuration("pipeline.metadata_timeout"),
			EmbedWorkers:      viper.GetInt("pipeline.embed_workers"),
			LeaseStaleAfter:   viper.GetDuration("pipeline.lease_stale_after"),
		},
		Search: Search{
			VisualMidpoint:  viper.GetFloat64("search.visual_midpoint"),
			VisualSteepness: viper.GetFloat64("search.visual_steepness"),
			DedupWindow:     viper.GetFloat64("search.dedup_window"),
			Overfetch:       viper.GetInt("search.overfetch"),
			DefaultLimit:    viper.GetInt("search.default_limit"),
			MaxLimit:        viper.GetInt("search.max_limit"),
			DefaultThresh:   viper.GetFloat64("search.default_threshold"),
			MaxQueryLength:  viper.GetInt("search.max_query_length"),
			QueryTimeout:    viper.GetDuration("search.query_timeout"),
		},
	}, nil
}
