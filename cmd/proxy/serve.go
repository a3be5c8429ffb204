package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/diaglink/proxy/internal/config"
	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/db"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/infrastructure/remote"
	"github.com/diaglink/proxy/internal/transport/agent"
	transporthttp "github.com/diaglink/proxy/internal/transport/http"
	"github.com/diaglink/proxy/pkg/utils/crypto"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
}

// proxy holds everything serve starts, in the order it is torn down.
type proxy struct {
	log      *logger.Logger
	app      *fiber.App
	registry *services.TaskRegistry
	jobs     *services.JobStore
	agents   *agent.Server
	profiler *services.ProfilerFileProcessor
	files    *services.ProfilerFileService
	timeline *services.TaskTimeline
	database *gorm.DB
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		if _, err := os.Stat("config/config.yaml"); err == nil {
			path = "config/config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	p, err := build(cfg, log)
	if err != nil {
		log.Errorw("startup_failed", "error", err)
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		if err := p.agents.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("agent server: %w", err)
		}
	}()
	go func() {
		log.Infow("http_server_listening", "address", cfg.Server.Address())
		if err := p.app.Listen(cfg.Server.Address()); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err = <-errCh:
		log.Errorw("server_failed", "error", err)
	}

	p.shutdown()
	return err
}

func build(cfg *config.Config, log *logger.Logger) (*proxy, error) {
	p := &proxy{log: log}

	keys, err := crypto.LoadRSA(cfg.Security.RSAPublicKeyPath, cfg.Security.RSAPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load rsa keys (run `proxy keygen`): %w", err)
	}

	var repo ports.TaskEventRepository
	if cfg.Database.Enabled {
		database, err := db.NewPostgresConnection(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.RunMigrations(database); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database migrations completed")
		p.database = database
		repo = db.NewTaskEventRepository(database, log.Named("db"))
	} else {
		repo = db.NewTaskEventRepoStub(log.Named("timeline"), 0)
	}

	timeline, err := services.NewTaskTimeline(repo, services.TaskTimelineConfig{
		QueueSize:       cfg.Timeline.QueueSize,
		Retention:       cfg.Timeline.Retention,
		CleanupSchedule: cfg.Timeline.CleanupSchedule,
	}, log.Named("timeline"))
	if err != nil {
		return nil, err
	}
	timeline.Start()
	p.timeline = timeline

	agentStore := services.NewAgentConnectionStore(log.Named("agents"))
	uiStore := services.NewUIConnectionStore(log.Named("uis"))

	p.registry = services.NewTaskRegistry(services.TaskRegistryConfig{
		ReapInterval: cfg.Tasks.ReapInterval,
		Logger:       log.Named("registry"),
		OnReclaim: func(t services.RunningTask, age time.Duration) {
			timeline.Record(domain.TaskEvent{
				TaskID:  t.ID(),
				Type:    domain.TaskEventReclaimed,
				Code:    -1,
				Message: fmt.Sprintf("running for %s, budget %s", age.Round(time.Millisecond), t.MaxRunning()),
			})
		},
	})
	p.jobs = services.NewJobStore(log.Named("jobs"))

	sessions := services.NewSessionManager(services.SessionManagerConfig{
		TokenSecret:   cfg.Security.UITokenSecret,
		MaxRunningFor: cfg.Tasks.MaxRunningFor,
	}, agentStore, p.registry, p.jobs, timeline, log.Named("session"))

	var archiver ports.Archiver
	if cfg.Archive.Enabled {
		var key string
		if cfg.Archive.KeyPath != "" {
			b, err := os.ReadFile(cfg.Archive.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("read archive key: %w", err)
			}
			key = string(b)
		}
		archiver = remote.NewSFTPArchiver(remote.SSHConfig{
			Host:       cfg.Archive.Host,
			Port:       cfg.Archive.Port,
			User:       cfg.Archive.User,
			Password:   cfg.Archive.Password,
			PrivateKey: key,
			KnownHosts: cfg.Archive.KnownHosts,
			Timeout:    cfg.Archive.Timeout,
			MaxRetries: cfg.Archive.MaxRetries,
		}, cfg.Archive.RemoteDir, log.Named("archive"))
	}
	p.files = services.NewProfilerFileService(services.ProfilerFileConfig{Dir: cfg.Profiler.Dir}, archiver, log.Named("profiler"))
	p.files.OnStored(sessions.ProfilerFileStored)
	p.profiler = services.NewProfilerFileProcessor(p.files, log.Named("profiler"))

	router, err := services.NewMessageRouter(log.Named("router"),
		services.NewResponseProcessor(sessions),
		services.NewTaskAckProcessor(sessions),
		services.NewHeartbeatProcessor(log.Named("heartbeat")),
		p.profiler,
	)
	if err != nil {
		return nil, err
	}

	p.agents = agent.NewServer(agent.Config{
		Address:        cfg.AgentServer.Address(),
		Path:           cfg.AgentServer.Path,
		Token:          cfg.Auth.AgentToken,
		WriteWait:      cfg.AgentServer.WriteWait,
		PongWait:       cfg.AgentServer.PongWait,
		PingPeriod:     cfg.AgentServer.PingPeriod,
		MaxMessageSize: cfg.AgentServer.MaxMessageSize,
		SendQueueSize:  cfg.AgentServer.SendQueueSize,
	}, agentStore, router, log.Named("agent"))
	p.agents.OnDisconnect(func(c ports.AgentConnection) {
		sessions.AgentGone(c.ID())
		p.profiler.AgentGone(c.ID())
	})

	p.app = newApp(cfg, log)
	transporthttp.SetupRoutes(p.app, transporthttp.RouterConfig{
		Config:   cfg,
		Logger:   log,
		Codec:    services.NewRequestCodec(keys, log.Named("codec")),
		Sessions: sessions,
		Agents:   agentStore,
		UIs:      uiStore,
		Registry: p.registry,
		Timeline: timeline,
	})
	return p, nil
}

func newApp(cfg *config.Config, log *logger.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "*"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token",
		AllowMethods: "GET, POST, DELETE",
	}))

	app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		start := time.Now()
		err := c.Next()
		log.Debugw("http_access",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
			"request_id", reqID,
		)
		return err
	})
	return app
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code < fiber.StatusInternalServerError {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// shutdown stops the UI side first so no new tasks arrive, then cancels
// running tasks before the agents they talk to are disconnected.
func (p *proxy) shutdown() {
	log := p.log
	log.Info("shutting down proxy...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.app.ShutdownWithContext(ctx); err != nil {
		log.Errorw("http_shutdown_failed", "error", err)
	}

	p.registry.Close()
	if err := p.jobs.Shutdown(ctx); err != nil {
		log.Warnw("job_store_shutdown_incomplete", "error", err)
	}

	if err := p.agents.Shutdown(ctx); err != nil {
		log.Errorw("agent_server_shutdown_failed", "error", err)
	}

	if err := p.profiler.Shutdown(ctx); err != nil {
		log.Warnw("profiler_writers_shutdown_incomplete", "error", err)
	}
	if err := p.files.Wait(ctx); err != nil {
		log.Warnw("profiler_archive_incomplete", "error", err)
	}

	if err := p.timeline.Stop(ctx); err != nil {
		log.Warnw("timeline_flush_incomplete", "error", err)
	}

	if p.database != nil {
		if err := db.Close(p.database); err != nil {
			log.Errorw("db_close_failed", "error", err)
		}
	}

	log.Info("proxy exited gracefully")
}
