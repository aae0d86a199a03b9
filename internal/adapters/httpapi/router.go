package httpapi

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/adapters/presence"
	"github.com/voxhall/voxhall/internal/config"
)

// ClientTokenMiddleware tags each browser with a stable opaque id, used
// only for log correlation.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *Handlers, pres *presence.Controller, events *EventStream) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoxhallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "httpapi").Msg("router setup")

	api := r.Group("/api")

	api.GET("/healthz", h.healthz)
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.POST("/rooms/:id/tokens", h.issueToken)
	api.POST("/rooms/:id/close", h.closeRoom)
	api.GET("/events", gin.WrapH(events.Server()))

	api.GET("/ws/rooms/:id", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("sid", c.GetString("client_token")).Str("room", c.Param("id")).Msg("ws room endpoint hit")
		pres.HandleRoom(ctx, c)
	})

	return r
}
