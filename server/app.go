package server

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"video-search/config"
	"video-search/constant"
	"video-search/dto"
	"video-search/pkg/embedding"
	"video-search/pkg/media"
	"video-search/pkg/rabbitmq"
	"video-search/pkg/storage"
	"video-search/pkg/transcribe"
	"video-search/pkg/vectorindex"
	"video-search/repository"
	"video-search/service"
)

// App holds the wired components shared by the server and the CLI commands.
type App struct {
	Repo         repository.VideoRepository
	Store        storage.ObjectStore
	Index        vectorindex.Index
	Orchestrator service.Orchestrator
	Videos       service.VideoService
	Search       service.SearchEngine
	Conn         *amqp.Connection
	Publisher    rabbitmq.Publisher

	closeConn context.CancelFunc
}

func newStore(cfg *config.Config) (storage.ObjectStore, error) {
	switch constant.StorageBackend(cfg.ObjectStore.Backend) {
	case constant.StorageBackendMinIO, "":
		if cfg.Storage == nil {
			return nil, fmt.Errorf("minio client is not configured")
		}
		return storage.NewMinIO(cfg.Storage, cfg.MinIOBucket), nil
	case constant.StorageBackendLocal:
		return storage.NewLocal(cfg.ObjectStore.LocalRoot), nil
	}
	return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectStore.Backend)
}

func newTranscriber(cfg config.Transcriber) (transcribe.Transcriber, error) {
	switch constant.TranscriberBackend(cfg.Backend) {
	case constant.TranscriberBackendOpenAI, "":
		return transcribe.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Language), nil
	case constant.TranscriberBackendWhisperCLI:
		return transcribe.NewWhisperCLI(cfg.Binary, cfg.Args, cfg.Language), nil
	}
	return nil, fmt.Errorf("unknown transcriber backend %q", cfg.Backend)
}

// NewApp connects every backend. With withQueue the orchestrator hands
// admitted videos to the ingest queue instead of running them in-process.
func NewApp(ctx context.Context, cfg *config.Config, withQueue bool) (*App, error) {
	repo, err := repository.NewRepo(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	transcriber, err := newTranscriber(cfg.Transcriber)
	if err != nil {
		return nil, err
	}

	visual := embedding.NewVisualClient(cfg.Embedding.VisualURL, cfg.Embedding.VisualDim, cfg.Embedding.Timeout)
	text := embedding.NewOpenAI(cfg.Embedding.TextAPIKey, cfg.Embedding.TextBaseURL, cfg.Embedding.TextModel, cfg.Embedding.TextDim)

	index, err := vectorindex.Open(ctx, cfg.Vector, visual.Dimensions(), text.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	app := &App{Repo: repo, Store: store, Index: index}

	deps := service.Dependencies{
		Repo:        repo,
		Store:       store,
		Media:       media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath),
		Transcriber: transcriber,
		Visual:      visual,
		Text:        text,
		Index:       index,
	}
	if withQueue {
		// the connection outlives the signal context so the consumer can
		// settle in-flight messages while draining; Close ends it
		connCtx, closeConn := context.WithCancel(context.WithoutCancel(ctx))
		conn, err := config.NewRabbitMQConn(connCtx, cfg.Queue)
		if err != nil {
			closeConn()
			index.Close()
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		app.Conn = conn
		app.closeConn = closeConn
		app.Publisher = rabbitmq.NewPublisher(conn, cfg.Queue)
		deps.Dispatch = func(ctx context.Context, msg dto.IngestMessage) error {
			return app.Publisher.Publish(ctx, msg)
		}
	}

	app.Orchestrator = service.NewOrchestrator(deps, cfg)
	app.Videos = service.NewVideoService(repo, store, index, app.Orchestrator, cfg)
	app.Search = service.NewSearchEngine(repo, index, visual, text, cfg)

	zerolog.Ctx(ctx).Info().
		Str("vector_backend", cfg.Vector.Backend).
		Str("object_store", cfg.ObjectStore.Backend).
		Str("transcriber", cfg.Transcriber.Backend).
		Bool("queue", withQueue).
		Msg("components ready")
	return app, nil
}

func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	if a.Index != nil {
		a.Index.Close()
	}
	if a.closeConn != nil {
		a.Conn.Close()
		a.closeConn()
	}
}
