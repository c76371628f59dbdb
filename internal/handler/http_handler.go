package handler

import (
	_ "embed"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/repository"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

//go:embed static/index.html
var indexHTML []byte

// HubStatus reports hub liveness. *hub.Hub implements it.
type HubStatus interface {
	ClientCount() int
	Done() <-chan struct{}
}

type HTTPHandler struct {
	repo     repository.MessageRepository
	hub      HubStatus
	workerID int
}

func NewHTTPHandler(repo repository.MessageRepository, hub HubStatus, workerID int) *HTTPHandler {
	return &HTTPHandler{
		repo:     repo,
		hub:      hub,
		workerID: workerID,
	}
}

// MessageDTO is one history entry.
type MessageDTO struct {
	ID     int64  `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// HistoryPage is returned by GET /api/v1/messages.
type HistoryPage struct {
	Messages []MessageDTO `json:"messages"`
	Latest   int64        `json:"latest"`
	HasMore  bool         `json:"has_more"`
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Index)
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api/v1")
	{
		api.GET("/messages", h.GetMessages)
	}
}

func (h *HTTPHandler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (h *HTTPHandler) GetMessages(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	var after int64
	if s := c.Query("after"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil || parsed < 0 {
			response.BadRequest(c, "after must be a non-negative integer")
			return
		}
		after = parsed
	}

	limit := defaultLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(parsedLimit, maxLimit)
	}

	messages, err := h.repo.ListAfter(c.Request.Context(), after, limit)
	if err != nil {
		l.Error().Err(err).Msg("failed to list messages")
		response.InternalError(c, "failed to get messages")
		return
	}

	latest, err := h.repo.Latest(c.Request.Context())
	if err != nil {
		l.Error().Err(err).Msg("failed to read latest message id")
		response.InternalError(c, "failed to get messages")
		return
	}

	page := HistoryPage{
		Messages: lo.Map(messages, func(m domain.Message, _ int) MessageDTO {
			return MessageDTO{ID: m.ID, Sender: m.Sender(), Body: m.Body()}
		}),
		Latest: latest,
	}
	if n := len(messages); n > 0 {
		page.HasMore = messages[n-1].ID < latest
	}

	response.Success(c, page)
}

// HealthCheck is polled by the supervisor. A stopped hub reports 503.
func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	select {
	case <-h.hub.Done():
		response.ServiceUnavailable(c, "hub stopped")
		return
	default:
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"worker_id": h.workerID,
		"clients":   h.hub.ClientCount(),
	})
}
