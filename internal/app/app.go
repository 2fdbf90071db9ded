package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"

	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/handlers"
	"chat-relay/internal/relay"
	"chat-relay/internal/services"
	"chat-relay/internal/utils"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server is the assembled relay: HTTP app, hub and the durable side behind it.
type Server struct {
	App *fiber.App

	cfg         *config.Config
	store       services.Store
	sync        *services.SyncService
	hub         *relay.Hub
	users       *services.UserService
	attachments *services.AttachmentService
	stopHub     context.CancelFunc
}

// OpenStore connects the backend selected by cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg *config.Config) (services.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return services.NewMemoryStore(), nil
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return services.NewPostgresStore(pool), nil
	case config.BackendFirestore:
		return services.NewFirestoreStore(ctx, cfg.FirestoreProject)
	case config.BackendRedis:
		return services.NewRedisStore(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// New wires services, hub and routes on top of store and starts the hub loop.
func New(cfg *config.Config, store services.Store) (*Server, error) {
	attachments, err := services.NewAttachmentService(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	syncService := services.NewSyncService(store, services.SyncOptions{
		QueueSize:  cfg.SyncQueueSize,
		MaxRetries: cfg.SyncMaxRetries,
		Backoff:    cfg.SyncRetryBackoff,
	})
	hub := relay.NewHub(syncService, relay.Options{
		HistoryLimit: cfg.HistoryLimit,
		DeletePolicy: cfg.DeletePolicy,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	s := &Server{
		App: fiber.New(fiber.Config{
			AppName:               "chat-relay",
			DisableStartupMessage: true,
		}),
		cfg:         cfg,
		store:       store,
		sync:        syncService,
		hub:         hub,
		users:       services.NewUserService(store, cfg.JWTSecret),
		attachments: attachments,
		stopHub:     stopHub,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	app := s.App

	// Middleware
	if s.cfg.AccessLog {
		app.Use(logger.New())
	}
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", handlers.HealthHandler(s.hub))
	app.Get("/files/:id", handlers.FileHandler(s.attachments))

	api := app.Group("/api")
	api.Get("/users/:userId", handlers.GetProfileHandler(s.users))

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware rejects plain HTTP before the
	// token is checked.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(s.users))
	app.Get("/ws", handlers.WebSocketHandler(s.hub, s.attachments, handlers.WSConfig{
		SendQueueSize:  s.cfg.SendQueueSize,
		MaxUploadBytes: s.cfg.MaxUploadBytes,
	}))

	app.Use(handlers.NotFoundHandler)
}

// Hub exposes the relay hub, mainly for tests.
func (s *Server) Hub() *relay.Hub {
	return s.hub
}

func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

func (s *Server) Listener(ln net.Listener) error {
	return s.App.Listener(ln)
}

// Shutdown stops accepting requests, closes every connection, flushes queued writes and
// closes the store, in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.App.ShutdownWithContext(ctx); err != nil {
		utils.LogError(err, "http shutdown")
	}

	s.stopHub()
	s.hub.Wait()

	if err := s.sync.Flush(ctx); err != nil {
		utils.LogError(err, "sync flush", "pending", s.sync.Pending())
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.SetLogLevel(cfg.LogLevel)

	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}

	server, err := New(cfg, store)
	if err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	// Start Server
	go func() {
		utils.Logger().Info("chat relay listening", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := server.Listen(":" + cfg.Port); err != nil {
			log.Panic(err)
		}
	}()

	// Graceful Shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-relay": func(ctx context.Context) error {
				utils.Logger().Info("Gracefully shutting down...")
				return server.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	utils.Logger().Info("Server shutdown complete", "exit_code", exitCode)
	os.Exit(exitCode)
}
