package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/wavelink-chat/wavelink/internal/auth"
	"github.com/wavelink-chat/wavelink/internal/chat"
	"github.com/wavelink-chat/wavelink/internal/db"
	"github.com/wavelink-chat/wavelink/internal/handlers"
	"github.com/wavelink-chat/wavelink/internal/push"
	"github.com/wavelink-chat/wavelink/internal/storage"
	"github.com/wavelink-chat/wavelink/internal/ws"
	"github.com/wavelink-chat/wavelink/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "migrate":
		return runMigrate(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  wavelink                                  Start the server")
	fmt.Fprintln(out, "  wavelink status [--json]                  Show application statistics")
	fmt.Fprintln(out, "  wavelink migrate normalize-chat-pairs [--dry-run]")
	fmt.Fprintln(out, "                                            Normalize direct chat pair order")
}

func runServer(cfg *config.Config) error {
	os.MkdirAll(cfg.FileStoragePath, 0o755)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	authSvc := auth.New(database.Conn(), cfg.JWTSecret)
	chatSvc := chat.NewService(database.Conn())
	notifier := push.NewNotifier(database.Conn(), cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)

	store, err := storage.New(cfg.FileStoragePath, cfg.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	hub := ws.NewHub(chatSvc, notifier)
	go hub.Run()

	authHandler := handlers.NewAuthHandler(authSvc)
	chatHandler := handlers.NewChatHandler(chatSvc, hub, store)
	pushHandler := handlers.NewPushHandler(notifier)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())
	router.MaxMultipartMemory = cfg.MaxUploadSize

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Public endpoints
	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		// Users and profile
		protected.GET("/users", chatHandler.SearchUsers)
		protected.GET("/profile", chatHandler.GetProfile)
		protected.PUT("/profile", chatHandler.UpdateProfile)
		protected.POST("/profile/avatar", chatHandler.UploadAvatar)

		// Conversations
		protected.POST("/conversations", chatHandler.StartConversation)
		protected.GET("/conversations", chatHandler.ListConversations)

		// Groups
		protected.POST("/groups", chatHandler.CreateGroup)
		protected.GET("/groups/:id", chatHandler.GetGroup)
		protected.POST("/groups/:id/members", chatHandler.AddGroupMember)
		protected.DELETE("/groups/:id/members/:user_id", chatHandler.RemoveGroupMember)
		protected.POST("/groups/:id/leave", chatHandler.LeaveGroup)
		protected.DELETE("/groups/:id", chatHandler.DeleteGroup)

		// Messages
		protected.GET("/messages", chatHandler.GetMessages)
		protected.POST("/messages", chatHandler.SendMessage)
		protected.POST("/messages/upload", chatHandler.UploadMessageImage)
		protected.PUT("/messages/:id/delivered", chatHandler.MarkDelivered)
		protected.PUT("/messages/:id/read", chatHandler.MarkRead)
		protected.DELETE("/messages/:id", chatHandler.DeleteMessage)

		// Push notifications
		protected.GET("/push/key", pushHandler.VAPIDKey)
		protected.POST("/push/subscribe", pushHandler.Subscribe)
		protected.POST("/push/unsubscribe", pushHandler.Unsubscribe)
	}

	// Stored blobs
	router.GET("/api/files/:name", chatHandler.ServeFile)

	// WebSocket endpoint
	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigint
		log.Println("\nShutting down gracefully...")
		os.Exit(0)
	}()

	return router.Run(addr)
}
