package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caresim/config"
	"caresim/controllers"
	"caresim/database"
	"caresim/gateway"
	"caresim/handlers"
	"caresim/logger"
	"caresim/middleware"
	"caresim/routes"
	"caresim/services"
	"caresim/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog := logger.New(cfg.LogFilePath, cfg.IsProduction())
	defer zlog.Sync()

	db, err := database.Connect(cfg, zlog)
	if err != nil {
		zlog.Fatal("database connection failed", zap.Error(err))
	}
	if err := database.Migrate(db, zlog); err != nil {
		zlog.Fatal("database migration failed", zap.Error(err))
	}

	gw := gateway.NewClient(cfg.Gateway, zlog)
	userService := services.NewUserService(db, gw, utils.NewSealer(cfg.EncryptionKey), cfg.TokenCacheTTL, zlog)
	hubService := services.NewHubService(zlog)

	chatService := services.NewChatService(
		database.NewGormChatStore(db),
		gw,
		userService,
		services.NewTaskRunner(cfg.Workers, zlog),
		hubService,
		services.NewChatStateMachine(cfg.Trim, zlog),
		zlog,
	)
	if err := chatService.Start(); err != nil {
		zlog.Fatal("task runner failed to start", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(zlog))
	r.Use(middleware.CORS(cfg.CorsOrigins))
	r.Use(middleware.Logger(zlog.Named("http")))
	r.Use(middleware.ErrorHandler(zlog))

	routes.SetupRoutes(r,
		middleware.AuthRequired(cfg.JWTSecret, zlog),
		controllers.NewUserController(userService),
		controllers.NewAuthController(userService, cfg.JWTSecret),
		controllers.NewChatController(chatService),
		handlers.NewWebSocketHandler(hubService, cfg.CorsOrigins, zlog),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http server forced to shutdown", zap.Error(err))
	}
	// In-flight gateway calls get the rest of the budget; whatever is still
	// running after that is cancelled and recorded as failed.
	if err := chatService.Shutdown(shutdownCtx); err != nil {
		zlog.Error("background tasks cancelled", zap.Error(err))
	}

	zlog.Info("server stopped")
}
