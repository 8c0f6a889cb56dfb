package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	database "kitch-ingest/Database"
	"kitch-ingest/configs"
	"kitch-ingest/internal/events"
	"kitch-ingest/internal/metrics"
	"kitch-ingest/internal/persistence"
	"kitch-ingest/internal/processor"
	"kitch-ingest/internal/progress"
	"kitch-ingest/internal/recorder"
	"kitch-ingest/internal/rtmp"
	"kitch-ingest/internal/security"
	"kitch-ingest/internal/session"
	"kitch-ingest/internal/stream"
	"kitch-ingest/internal/upload"
	"kitch-ingest/pkg/ffmpeg"
	"kitch-ingest/pkg/hls"
	utils "kitch-ingest/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	appConfig, err := configs.LoadConfig()
	if err != nil {
		utils.GetLogger().Fatalf("Failed to load configuration: %v", err)
	}
	utils.Init(appConfig.LogLevel)
	utils.Logger.Info("Starting ingest server...")

	if err := appConfig.Validate(); err != nil {
		utils.Logger.Fatalf("Configuration validation failed: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = utils.CustomHTTPErrorHandler

	security.SetupSecurityMiddleware(e, &security.SecurityConfig{
		AllowedOrigins: appConfig.Server.AllowedOrigins,
		CSPDirectives:  security.DefaultSecurityConfig().CSPDirectives,
	})
	e.Use(security.LoggingMiddleware)

	pipelineMetrics := metrics.New()
	e.Use(pipelineMetrics.Middleware())

	// Initialize persistence
	gateway, closeDB := openGateway(appConfig)
	defer closeDB()

	// Progress channel and downstream notifications
	var sinks []progress.Publisher
	var notifier progress.Notifier = progress.LogNotifier{}
	if appConfig.Redis.Enabled {
		redisClient := progress.NewRedisClient(appConfig.GetRedisAddr(), appConfig.Redis.Password, appConfig.Redis.DB)
		defer redisClient.Close()
		if err := pingRedis(redisClient); err != nil {
			utils.Logger.Warnf("Redis unavailable, progress stays in-process: %v", err)
		} else {
			sinks = append(sinks, progress.NewRedisPublisher(redisClient, ""))
			notifier = progress.NewRedisNotifier(redisClient, "")
			utils.Logger.Infof("Publishing progress to Redis at %s", appConfig.GetRedisAddr())
		}
	}
	broadcaster := progress.NewBroadcaster(64, sinks...)

	sessions := session.NewStore()
	bus := events.NewBus()

	// Media processing
	ladder := hls.DefaultLadder
	if appConfig.Stream.LadderFile != "" {
		ladder, err = hls.LoadLadder(appConfig.Stream.LadderFile)
		if err != nil {
			utils.Logger.Fatalf("Failed to load quality ladder: %v", err)
		}
	}
	tool := ffmpeg.New(appConfig.FFmpeg.Path, appConfig.FFmpeg.ProbePath, appConfig.FFmpeg.Threads)
	output := hls.NewManager(filepath.Join(appConfig.Stream.StoragePath, "assets"))
	mediaProcessor := processor.New(processor.Config{
		Workers:         appConfig.Processing.EncodeWorkers,
		EncodeRetries:   appConfig.Processing.EncodeRetries,
		EncodeTimeout:   appConfig.Processing.EncodeTimeout,
		ProbeRetries:    appConfig.Processing.ProbeRetries,
		SegmentDuration: appConfig.Stream.SegmentDuration,
		TruncatedProbe:  appConfig.Processing.TruncatedProbePolicy,
		Ladder:          ladder,
	}, tool, gateway, output, broadcaster, notifier, pipelineMetrics)
	if n, err := mediaProcessor.RecoverInterrupted(context.Background()); err != nil {
		utils.Logger.Errorf("Failed to recover interrupted assets: %v", err)
	} else if n > 0 {
		utils.Logger.Warnf("Marked %d interrupted assets as failed", n)
	}

	// Resumable uploads
	uploadService, err := upload.NewService(upload.Config{
		ScratchDir:   filepath.Join(appConfig.Stream.ScratchPath, "uploads"),
		SourceDir:    filepath.Join(appConfig.Stream.StoragePath, "sources"),
		MaxSize:      appConfig.Upload.MaxSize,
		MinFreeBytes: appConfig.Upload.MinFreeBytes,
		AllowedTypes: appConfig.Upload.AllowedTypes,
	}, sessions, gateway, mediaProcessor, broadcaster, pipelineMetrics)
	if err != nil {
		utils.Logger.Fatalf("Failed to initialize upload service: %v", err)
	}

	// Live ingest
	if appConfig.RTMP.RecorderToken == "" {
		// Per-process token so the recorder's play connection is never
		// counted as a viewer.
		appConfig.RTMP.RecorderToken = uuid.New().String()
	}
	policy := session.RepublishAllow
	if appConfig.RTMP.RepublishPolicy == configs.RepublishReject {
		policy = session.RepublishReject
	}
	validator := &rtmp.DatabaseSessionValidator{Gateway: gateway}
	streamGateway := rtmp.NewGateway(validator, sessions, bus, policy, pipelineMetrics)
	rtmpServer := rtmp.NewServer(rtmp.Config{
		Port:          appConfig.RTMP.Port,
		RecorderToken: appConfig.RTMP.RecorderToken,
	}, streamGateway, rtmp.NewRelay(0))

	liveRecorder := recorder.New(recorder.Config{
		ScratchDir:    appConfig.Stream.ScratchPath,
		InputURL:      appConfig.Processing.RecorderInputURL,
		RecorderToken: appConfig.RTMP.RecorderToken,
		GracePeriod:   appConfig.Processing.RecorderGracePeriod,
	}, recorder.FFmpegCapturer{FFmpeg: tool}, sessions, mediaProcessor, bus, pipelineMetrics)
	liveRecorder.Start()

	liveBridge := progress.NewLiveBridge(bus, broadcaster, notifier)
	liveBridge.Start()

	streamService := stream.NewStreamService(gateway, sessions, fmt.Sprintf("rtmp://%s:%d/live", publicHost(appConfig), appConfig.RTMP.Port))

	// Routes
	api := e.Group("/api/v1")
	upload.NewHandler(uploadService, "/api/v1").RegisterRoutes(api)
	stream.NewHandler(streamService).RegisterRoutes(api)
	rtmp.NewHandler(rtmpServer).RegisterRoutes(api)
	progress.NewHandler(broadcaster).RegisterRoutes(api)

	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		status, code := "healthy", http.StatusOK
		if err := gateway.CheckConnection(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":       status,
			"timestamp":    time.Now().UTC(),
			"live_streams": sessions.LiveCount(),
			"processing":   mediaProcessor.InFlight(),
			"recordings":   liveRecorder.Active(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(pipelineMetrics.Handler(func() {
		pipelineMetrics.SetActiveLive(sessions.LiveCount())
	})))

	for _, route := range e.Routes() {
		utils.Logger.Debugf("Registered route: %s %s", route.Method, route.Path)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := rtmpServer.Start(); err != nil {
			utils.Logger.Errorf("RTMP server error: %v", err)
			stop()
		}
	}()

	go func() {
		addr := fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port)
		utils.Logger.Infof("HTTP server listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			utils.Logger.Errorf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	utils.Logger.Info("Shutdown signal received, starting graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if err := rtmpServer.Stop(shutdownCtx); err != nil {
		utils.Logger.Errorf("RTMP server shutdown error: %v", err)
	}
	if err := liveRecorder.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Errorf("Recorder shutdown error: %v", err)
	}
	if err := mediaProcessor.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Errorf("Processor shutdown error: %v", err)
	}
	liveBridge.Stop()
	bus.Close()
	utils.Logger.Info("Server shutdown complete")
}

// openGateway returns the SQL gateway, or the in-memory one when the
// database is disabled.
func openGateway(appConfig *configs.Config) (persistence.Gateway, func()) {
	if !appConfig.Database.Enabled {
		utils.Logger.Warn("Database disabled, records are kept in memory only")
		return persistence.NewMemoryGateway(), func() {}
	}
	db, err := database.GetPostgresDB(appConfig)
	if err != nil {
		utils.Logger.Fatalf("Failed to initialize database: %v", err)
	}
	utils.Logger.Infof("Connected to PostgreSQL using driver %s", appConfig.Database.Driver)
	return persistence.NewSQLGateway(db), func() { db.Close() }
}

func pingRedis(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

func publicHost(appConfig *configs.Config) string {
	if appConfig.RTMP.PublicHost != "" {
		return appConfig.RTMP.PublicHost
	}
	if appConfig.Server.Host == "" || appConfig.Server.Host == "0.0.0.0" {
		return "localhost"
	}
	return appConfig.Server.Host
}
