package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/service"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *hub.Hub
	service service.ChatService
	wsCfg   config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
	}
}

// ParseHandshake reads the connect-time fields from the socket URL query.
// A missing or malformed offset means "entire history".
func ParseHandshake(q url.Values) domain.Handshake {
	hs := domain.Handshake{Username: q.Get("username")}
	if s := q.Get("serverOffset"); s != "" {
		if offset, err := strconv.ParseInt(s, 10, 64); err == nil {
			hs.ServerOffset = offset
		}
	}
	return hs.Normalize()
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	handshake := ParseHandshake(r.URL.Query())
	pid := r.URL.Query().Get("pid")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)

	recovered, err := h.hub.Register(client, pid, handshake.ServerOffset)
	if err != nil {
		l.Warn().Err(err).Msg("hub unavailable, closing connection")
		conn.Close()
		return
	}
	handshake.Recovered = recovered

	logger := l.With().
		Str(log.FieldConnectionID, client.ID).
		Str(log.FieldUsername, handshake.Username).
		Logger()
	ctx := log.WithLogger(context.Background(), logger)

	go client.WritePump()

	if err := h.service.Connect(ctx, client, handshake); err != nil {
		logger.Error().Err(err).Msg("session connect failed")
		h.hub.Unregister(client)
		return
	}

	go func() {
		client.ReadPump(func(c *hub.Client, message []byte) {
			h.handleMessage(ctx, c, message)
		})
		h.service.Disconnect(ctx, client)
	}()
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	l := log.Ctx(ctx)

	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	switch base.Event {
	case domain.EventChatMessage:
		var msg domain.ChatMessageIn
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid chat message"))
			return
		}
		result := h.service.Submit(ctx, client, msg)
		switch result.Outcome {
		case service.OutcomeRejected:
			l.Debug().Err(result.Err).Msg("chat message rejected")
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, result.Err.Error()))
		case service.OutcomeFailed:
			// Not an ack: the sender keeps retrying with the same key.
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "message not stored"))
		}

	case domain.EventPing:
		client.SendMessage(&domain.PongMessage{Event: domain.EventPong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown event"))
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/socket", gin.WrapF(h.HandleWebSocket))
}
