package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/gateway"
	"github.com/mbeoliero/chatsync/internal/handler"
	"github.com/mbeoliero/chatsync/internal/metrics"
	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/pkg/jwt"
)

// Handlers holds all HTTP handlers
type Handlers struct {
	Message      *handler.MessageHandler
	Channel      *handler.ChannelHandler
	Notification *handler.NotificationHandler
	Session      *handler.SessionHandler
	User         *handler.UserHandler
	File         *handler.FileHandler
}

// SetupRouter sets up all routes
func SetupRouter(h *server.Hertz, cfg *config.Config, handlers *Handlers, tokens *jwt.TokenStore, wsServer *gateway.WsServer, collector *metrics.Collector) error {
	h.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	// Health check
	h.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, map[string]interface{}{
			"status":       "ok",
			"online_users": wsServer.GetOnlineUserCount(),
			"online_conns": wsServer.GetOnlineConnCount(),
		})
	})

	if cfg.Metrics.Enabled {
		mh, err := metrics.Handler(collector)
		if err != nil {
			return err
		}
		h.GET(cfg.Metrics.Path, adaptor.HertzHandler(mh))
	}

	if handlers.File != nil {
		h.GET("/files/:hash", handlers.File.GetFile)
	}

	api := h.Group("/api", middleware.JWTAuth(cfg.JWT.Secret, tokens))

	sessionGroup := api.Group("/session")
	{
		sessionGroup.POST("/logout", handlers.Session.Logout)
		sessionGroup.GET("/online/:user_id", handlers.Session.Online)
	}

	userGroup := api.Group("/users")
	{
		userGroup.GET("/me", handlers.User.GetMe)
		userGroup.GET("", handlers.User.GetUsers)
	}

	channelGroup := api.Group("/channels")
	{
		channelGroup.GET("", handlers.Channel.ListChannels)
		channelGroup.POST("", handlers.Channel.CreateChannel)
		channelGroup.DELETE("/:channel_id", handlers.Channel.DeleteChannel)
		channelGroup.POST("/:channel_id/join", handlers.Channel.JoinChannel)
		channelGroup.POST("/:channel_id/leave", handlers.Channel.LeaveChannel)
		channelGroup.POST("/:channel_id/members", handlers.Channel.AddMember)
		channelGroup.DELETE("/:channel_id/members/:user_id", handlers.Channel.RemoveMember)
		channelGroup.POST("/:channel_id/read", handlers.Channel.MarkRead)
		channelGroup.POST("/:channel_id/star", handlers.Channel.ToggleStar)
		channelGroup.PUT("/:channel_id/archive", handlers.Channel.ArchiveChannel)
		channelGroup.GET("/:channel_id/messages", handlers.Message.Page)
		channelGroup.GET("/:channel_id/pinned", handlers.Message.Pinned)
		channelGroup.GET("/:channel_id/scheduled", handlers.Message.Scheduled)
	}

	msgGroup := api.Group("/messages")
	{
		msgGroup.POST("", handlers.Message.SendMessage)
		msgGroup.GET("/bookmarks", handlers.Message.Bookmarks)
		msgGroup.GET("/:message_id", handlers.Message.GetMessage)
		msgGroup.PUT("/:message_id", handlers.Message.EditMessage)
		msgGroup.DELETE("/:message_id", handlers.Message.DeleteMessage)
		msgGroup.GET("/:message_id/thread", handlers.Message.Thread)
		msgGroup.POST("/:message_id/pin", handlers.Message.PinMessage)
		msgGroup.DELETE("/:message_id/pin", handlers.Message.UnpinMessage)
		msgGroup.POST("/:message_id/reactions", handlers.Message.ToggleReaction)
		msgGroup.POST("/:message_id/bookmark", handlers.Message.Bookmark)
		msgGroup.DELETE("/:message_id/bookmark", handlers.Message.Unbookmark)
		msgGroup.POST("/:message_id/forward", handlers.Message.Forward)
		msgGroup.DELETE("/:message_id/schedule", handlers.Message.CancelScheduled)
	}

	notifGroup := api.Group("/notifications")
	{
		notifGroup.GET("", handlers.Notification.ListNotifications)
		notifGroup.POST("/read_all", handlers.Notification.MarkAllRead)
		notifGroup.PUT("/:notification_id/read", handlers.Notification.SetRead)
	}

	// WebSocket route using hertz-contrib/websocket with origin validation
	allowedOrigins := cfg.Server.AllowedOrigins
	upgrader := &websocket.HertzUpgrader{
		CheckOrigin: func(ctx *app.RequestContext) bool {
			origin := string(ctx.Request.Header.Peek("Origin"))
			return origin == "" || middleware.OriginAllowed(origin, allowedOrigins)
		},
	}

	h.GET("/ws", func(ctx context.Context, c *app.RequestContext) {
		wsServer.HandleHertzConnection(ctx, c, upgrader)
	})
	return nil
}
