package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broadcast-relay/service"
)

// Handler exposes the relay's external operations over HTTP. Receivers
// consume session and chunk events as SSE streams bridged from the bus.
type Handler struct {
	Sessions      service.SessionService
	Auth          service.Authorizer
	SessionEvents service.SessionEventSource
	ChunkEvents   service.ChunkEventSource
}

func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/broadcast", h.StartBroadcast)
	v1.DELETE("/broadcast/:id", h.StopBroadcast)
	v1.GET("/broadcast/active", h.GetActiveSession)
	v1.GET("/sessions/:id/chunks", h.ReadChunksSince)
	v1.POST("/sessions/:id/chunks/:seq", h.AppendChunk)
	v1.GET("/events/sessions", h.StreamSessionEvents)
	v1.GET("/sessions/:id/events", h.StreamChunkEvents)
}

type startRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
}

func (h *Handler) StartBroadcast(c *gin.Context) {
	callerID := c.GetHeader("X-Broadcaster-Id")
	if callerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Broadcaster-Id header"})
		return
	}
	if !h.Auth.IsAuthorizedBroadcaster(c.Request.Context(), callerID) {
		c.JSON(http.StatusForbidden, gin.H{"error": service.ErrNotAuthorized.Error()})
		return
	}

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.Sessions.Start(c.Request.Context(), callerID, req.DisplayName)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyBroadcasting) {
			c.JSON(http.StatusConflict, gin.H{"error": service.ErrAlreadyBroadcasting.Error()})
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("start broadcast failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) StopBroadcast(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if err := h.Sessions.Stop(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, service.ErrNotActiveOrUnknown) {
			c.JSON(http.StatusConflict, gin.H{"error": service.ErrNotActiveOrUnknown.Error()})
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("stop broadcast failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *Handler) GetActiveSession(c *gin.Context) {
	session, err := h.Sessions.GetActiveSession(c.Request.Context())
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("get active session failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if session == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) ReadChunksSince(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	from := int64(0)
	if raw := c.Query("from"); raw != "" {
		from, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from sequence"})
			return
		}
	}

	chunks, err := h.Sessions.ReadChunksSince(c.Request.Context(), sessionID, from)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("read chunks failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, chunks)
}

func (h *Handler) AppendChunk(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	sequence, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || sequence < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence"})
		return
	}
	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty chunk payload"})
		return
	}

	if err := h.Sessions.AppendChunk(c.Request.Context(), sessionID, sequence, payload); err != nil {
		if errors.Is(err, service.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": service.ErrUnknownSession.Error()})
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("append chunk failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sequence": sequence})
}

func (h *Handler) StreamSessionEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, cancel, err := h.SessionEvents.SubscribeSessions(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("session event subscription failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

func (h *Handler) StreamChunkEvents(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	ctx := c.Request.Context()
	events, cancel, err := h.ChunkEvents.SubscribeChunks(ctx, sessionID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("chunk event subscription failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("chunk_appended", ev)
			return true
		}
	})
}
