// Package httpapi exposes the room lifecycle and token endpoints.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/app"
	"github.com/voxhall/voxhall/internal/auth"
	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/store"
)

type Handlers struct {
	Lifecycle *app.Manager
	Issuer    *auth.Issuer
	// SignalBaseURL is the externally reachable WebSocket base, e.g.
	// wss://host; the room path is appended per token grant.
	SignalBaseURL string
}

type tokenRequest struct {
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

type tokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (h *Handlers) createRoom(c *gin.Context) {
	var spec domain.RoomSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room data"})
		return
	}
	room, err := h.Lifecycle.Create(c.Request.Context(), spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handlers) getRoom(c *gin.Context) {
	room, err := h.Lifecycle.Get(c.Request.Context(), domain.RoomID(c.Param("id")))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) listRooms(c *gin.Context) {
	rooms, err := h.Lifecycle.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// issueToken admits first: a token grant on a scheduled room is the first
// join and opens it.
func (h *Handlers) issueToken(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token data"})
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.Lifecycle.Admit(c.Request.Context(), roomID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, domain.ErrRoomClosed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "room not available"})
		case errors.Is(err, app.ErrRoomFull):
			c.JSON(http.StatusConflict, gin.H{"error": "room full"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		}
		return
	}

	token, claims, err := h.Issuer.Issue(c.Request.Context(), roomID, role, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("module", "httpapi").Str("room", string(roomID)).Str("role", string(role)).Str("identity", claims.Identity).Msg("token issued")
	c.JSON(http.StatusOK, tokenResponse{
		Token: token,
		URL:   fmt.Sprintf("%s/api/ws/rooms/%s", h.SignalBaseURL, roomID),
	})
}

// closeRoom requires a host token bound to this room.
func (h *Handlers) closeRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	bearer, err := auth.ExtractBearer(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := h.Issuer.VerifyForRoom(bearer, roomID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if !claims.Role.CanClose() {
		c.JSON(http.StatusForbidden, gin.H{"error": "host role required"})
		return
	}

	room, err := h.Lifecycle.Close(c.Request.Context(), roomID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
