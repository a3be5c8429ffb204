package http

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/diaglink/proxy/internal/config"
	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/transport/http/handlers"
	httpmw "github.com/diaglink/proxy/internal/transport/http/middleware"
)

type RouterConfig struct {
	Config   *config.Config
	Logger   *logger.Logger
	Codec    handlers.RequestDecoder
	Sessions *services.SessionManager
	Agents   *services.AgentConnectionStore
	UIs      *services.UIConnectionStore
	Registry *services.TaskRegistry
	Timeline *services.TaskTimeline
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	uiHandler := handlers.NewUISessionHandler(handlers.UISessionConfig{
		SendQueueSize: cfg.Config.UI.SendQueueSize,
		HighWatermark: cfg.Config.UI.HighWatermark,
		LowWatermark:  cfg.Config.UI.LowWatermark,
		WriteWait:     cfg.Config.Server.WriteTimeout,
	}, cfg.Codec, cfg.Sessions, cfg.UIs, cfg.Logger.Named("ui"))
	agentHandler := handlers.NewAgentHandler(cfg.Agents, cfg.Sessions, cfg.Logger)
	taskHandler := handlers.NewTaskHandler(cfg.Registry, cfg.Timeline, cfg.Logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"agents": cfg.Agents.Len(),
			"uis":    cfg.UIs.Len(),
			"tasks":  cfg.Registry.Len(),
		})
	})

	// UI channel
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws", websocket.New(uiHandler.Handle, websocket.Config{
		Origins: cfg.Config.Auth.AllowedOrigins,
	}))

	api := app.Group("/api/v1")

	// Queried by the UI tier to find which proxy serves an agent.
	api.Get("/agent", agentHandler.GetAgent)

	agents := api.Group("/agents", httpmw.AdminAuth(cfg.Config))
	agents.Get("/", agentHandler.ListAgents)
	agents.Post("/refresh", agentHandler.RefreshAgents)

	tasks := api.Group("/tasks", httpmw.AdminAuth(cfg.Config))
	tasks.Get("/", taskHandler.ListTasks)
	tasks.Delete("/:id", taskHandler.CancelTask)
	tasks.Get("/:id/events", taskHandler.GetTaskEvents)

	api.Get("/events", httpmw.AdminAuth(cfg.Config), taskHandler.RecentEvents)
}
