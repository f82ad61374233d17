// Package main runs the recorder daemon: capture engine, control API, input
// bridge and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gameon/recorder/config"
	"github.com/gameon/recorder/internal/actioncodes"
	"github.com/gameon/recorder/internal/app"
	"github.com/gameon/recorder/internal/archive"
	"github.com/gameon/recorder/internal/auth"
	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/encoder"
	"github.com/gameon/recorder/internal/inputbridge"
	"github.com/gameon/recorder/internal/middleware"
	"github.com/gameon/recorder/internal/recorder"
	"github.com/gameon/recorder/internal/sessions"
	"github.com/gameon/recorder/pkg/queue"
	"github.com/gameon/recorder/pkg/redis"
	"github.com/gameon/recorder/pkg/response"
	"github.com/gameon/recorder/pkg/storage"
)

func main() {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := newLogger(level)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		logger.Warn("invalid LOG_LEVEL, keeping info", zap.String("level", cfg.Server.LogLevel))
	}

	ctx := context.Background()
	st, closeStore, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer closeStore()

	var presigner sessions.Presigner
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err := storage.NewS3(ctx, s3Config(cfg), logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			presigner = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Engine
	registry := actioncodes.NewRegistry(st, logger)
	bridge := inputbridge.New(logger)
	devices := capture.NewFFmpeg(capture.FFmpegConfig{
		Binary:      cfg.Capture.FFmpegBinary,
		Display:     cfg.Capture.Display,
		VideoWidth:  cfg.Capture.VideoWidth,
		VideoHeight: cfg.Capture.VideoHeight,
		SystemAudio: cfg.Capture.SystemAudio,
		Microphone:  cfg.Capture.Microphone,
		SampleRate:  cfg.Capture.SampleRate,
		Channels:    cfg.Capture.Channels,
	}, bridge, logger)
	encoders := encoder.NewFFmpeg(cfg.Capture.FFmpegBinary, cfg.Capture.CRF, cfg.Capture.Preset, logger)
	orch := recorder.New(st, registry, devices, encoders, recorderOptions(cfg.Recording), logger)

	recovered, err := orch.RecoverOrphans(ctx)
	if err != nil {
		logger.Error("recover orphaned sessions", zap.Error(err))
	} else if recovered > 0 {
		logger.Warn("recovered orphaned sessions", zap.Int("count", recovered))
	}

	// Archive queue (optional)
	if cfg.Archive.Enabled {
		rdb, err := redis.NewClient(ctx, redisConfig(cfg), logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		orch.OnFinished(archive.Enqueuer(queue.NewQueue(rdb, logger), logger))
		logger.Info("archive enqueue enabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unreachable")
			return
		}
		response.OK(c, gin.H{
			"status":       "ok",
			"recorder":     orch.State().String(),
			"input_agents": bridge.Agents(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Input agents (token in query; agent or operator role)
	router.GET("/ws/input", inputbridge.ServeWs(bridge, func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		if claims.Role != auth.RoleAgent && claims.Role != auth.RoleOperator {
			return "", auth.ErrUnknownRole
		}
		return claims.Name(), nil
	}))

	// Protected API (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	sessions.NewHandler(orch, st, presigner, logger).Register(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Finish an in-flight session before the listener goes away.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Recording.StopGrace+30*time.Second)
	if sess, err := orch.Stop(stopCtx); err == nil {
		logger.Info("session stopped on shutdown", zap.String("session_id", sess.ID.String()), zap.String("status", sess.Status))
	} else if !errors.Is(err, recorder.ErrNotRecording) {
		logger.Error("stop session on shutdown", zap.Error(err))
	}
	stopCancel()
	bridge.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func recorderOptions(rc config.RecordingConfig) recorder.Options {
	return recorder.Options{
		SessionsDir:     rc.SessionsDir,
		QueueSeconds:    rc.QueueSeconds,
		EnqueueTimeout:  rc.EnqueueTimeout,
		BatchSize:       rc.BatchSize,
		FlushInterval:   rc.FlushInterval,
		MaxPendingRows:  rc.MaxPendingRows,
		InputBufferSize: rc.InputBufferSize,
		MouseMoveRate:   rc.MouseMoveRate,
		InputRetries:    rc.InputRetries,
		HealthInterval:  rc.HealthInterval,
		StopGrace:       rc.StopGrace,
		OrphanGrace:     rc.OrphanGrace,
	}
}

func s3Config(cfg *config.Config) storage.S3Config {
	return storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Bucket:               cfg.AWS.ArchiveBucket,
		Prefix:               cfg.AWS.ArchivePrefix,
		Endpoint:             cfg.AWS.Endpoint,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}
}

func redisConfig(cfg *config.Config) redis.Config {
	return redis.Config{URL: cfg.Redis.URL, Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

func newLogger(level zap.AtomicLevel) *zap.Logger {
	config := zap.NewProductionConfig()
	config.Level = level
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
