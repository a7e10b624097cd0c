package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"video-search/dto"
	"video-search/service"
)

type HttpHandler struct {
	orchestrator service.Orchestrator
	videos       service.VideoService
	search       service.SearchEngine
}

func NewHttpHandler(orchestrator service.Orchestrator, videos service.VideoService, search service.SearchEngine) *HttpHandler {
	return &HttpHandler{
		orchestrator: orchestrator,
		videos:       videos,
		search:       search,
	}
}

func (h *HttpHandler) Register(r gin.IRouter) {
	videos := r.Group("/videos")
	videos.POST("", h.Ingest)
	videos.GET("", h.List)
	videos.GET("/:id", h.GetStatus)
	videos.GET("/:id/transcript", h.GetTranscript)
	videos.DELETE("/:id", h.Delete)
	videos.POST("/:id/retry", h.Retry)
	videos.POST("/:id/cancel", h.Cancel)

	r.POST("/search", h.Search)
}

func (h *HttpHandler) Ingest(c *gin.Context) {
	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	id := uuid.New()
	if req.VideoId != nil {
		id = *req.VideoId
	}

	video, err := h.orchestrator.Ingest(c.Request.Context(), id, req.ObjectPath, req.FileName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.IngestResponse{VideoId: video.ID, Status: video.Status.String()})
}

func (h *HttpHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	resp, err := h.videos.List(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) GetStatus(c *gin.Context) {
	id, ok := videoID(c)
	if !ok {
		return
	}
	resp, err := h.videos.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) GetTranscript(c *gin.Context) {
	id, ok := videoID(c)
	if !ok {
		return
	}
	resp, err := h.videos.GetTranscript(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HttpHandler) Delete(c *gin.Context) {
	id, ok := videoID(c)
	if !ok {
		return
	}
	if err := h.videos.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HttpHandler) Retry(c *gin.Context) {
	id, ok := videoID(c)
	if !ok {
		return
	}
	video, err := h.orchestrator.Retry(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.IngestResponse{VideoId: video.ID, Status: video.Status.String()})
}

func (h *HttpHandler) Cancel(c *gin.Context) {
	id, ok := videoID(c)
	if !ok {
		return
	}
	if err := h.orchestrator.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"video_id": id, "status": "cancelling"})
}

func (h *HttpHandler) Search(c *gin.Context) {
	var req dto.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}
	resp, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func videoID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid video id"})
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidQuery),
		errors.Is(err, service.ErrUnknownMode),
		errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrVideoNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning),
		errors.Is(err, service.ErrAlreadyIngested),
		errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}
