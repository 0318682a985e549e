package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/edumanager/edumanager-api/api/swagger"
	"github.com/edumanager/edumanager-api/internal/handler"
	"github.com/edumanager/edumanager-api/internal/middleware"
	"github.com/edumanager/edumanager-api/internal/repository"
	"github.com/edumanager/edumanager-api/internal/service"
	"github.com/edumanager/edumanager-api/pkg/cache"
	"github.com/edumanager/edumanager-api/pkg/config"
	"github.com/edumanager/edumanager-api/pkg/database"
	"github.com/edumanager/edumanager-api/pkg/logger"
	corsmiddleware "github.com/edumanager/edumanager-api/pkg/middleware/cors"
	reqidmiddleware "github.com/edumanager/edumanager-api/pkg/middleware/requestid"
	"github.com/edumanager/edumanager-api/pkg/storage"
)

// @title EduManager API
// @version 1.0.0
// @description Student, course and enrollment management service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	sugar := logr.Sugar()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		sugar.Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			sugar.Warnw("redis unavailable, continuing without cache", "error", err)
		} else {
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, true)
			defer cacheRepo.Close() //nolint:errcheck
		}
	}

	validate := validator.New()

	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)

	studentSvc := service.NewStudentService(studentRepo, validate, logr,
		cfg.Import.WorkerConcurrency, cfg.Import.WorkerRetries, cfg.Import.ChunkSize)
	courseSvc := service.NewCourseService(courseRepo, cacheSvc, validate, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseRepo, cacheSvc, metricsSvc,
		validate, logr, cfg.Enrollment.MaxRetries, cfg.Enrollment.RetryDelay)

	var archive *storage.RosterArchive
	var signer *storage.SignedURLSigner
	if cfg.Export.SigningSecret != "" {
		archive, err = storage.NewRosterArchive(cfg.Export.Dir)
		if err != nil {
			sugar.Fatalw("failed to init export archive", "error", err)
		}
		signer = storage.NewSignedURLSigner(cfg.Export.SigningSecret, cfg.Export.URLTTL)
	}
	exportSvc := service.NewExportService(enrollmentSvc, archive, signer, logr)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	studentSvc.StartImporter(rootCtx)
	defer studentSvc.StopImporter()

	if archive != nil {
		cleanupTTL := cfg.Export.URLTTL
		if cleanupTTL <= 0 {
			cleanupTTL = 24 * time.Hour
		}
		go func() {
			ticker := time.NewTicker(cleanupTTL)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					deleted, err := exportSvc.CleanupArchive(cleanupTTL)
					if err != nil {
						sugar.Warnw("export archive cleanup failed", "error", err)
					} else if deleted > 0 {
						sugar.Infow("export archive cleaned", "deleted", deleted)
					}
				}
			}
		}()
	}

	studentHandler := handler.NewStudentHandler(studentSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	api := r.Group(cfg.APIPrefix)
	{
		students := api.Group("/students")
		{
			students.GET("", studentHandler.List)
			students.GET("/count", studentHandler.Count)
			students.POST("", studentHandler.Create)
			students.POST("/import", studentHandler.Import)
			students.GET("/email/:email", studentHandler.GetByEmail)
			students.GET("/:id", studentHandler.Get)
			students.PUT("/:id", studentHandler.Update)
			students.DELETE("/:id", studentHandler.Delete)
		}

		courses := api.Group("/courses")
		{
			courses.GET("", courseHandler.List)
			courses.GET("/available", courseHandler.Available)
			courses.GET("/count", courseHandler.Count)
			courses.POST("", courseHandler.Create)
			courses.GET("/code/:code", courseHandler.GetByCode)
			courses.GET("/:id", courseHandler.Get)
			courses.PUT("/:id", courseHandler.Update)
			courses.DELETE("/:id", courseHandler.Delete)
			courses.GET("/:id/roster/export", enrollmentHandler.ExportRoster)
		}

		enrollments := api.Group("/enrollments")
		{
			enrollments.GET("", enrollmentHandler.List)
			enrollments.GET("/count", enrollmentHandler.Count)
			enrollments.POST("", enrollmentHandler.Create)
			enrollments.GET("/student/:studentId", enrollmentHandler.ListByStudent)
			enrollments.GET("/course/:courseId", enrollmentHandler.ListByCourse)
			enrollments.GET("/:id", enrollmentHandler.Get)
			enrollments.PUT("/:id", enrollmentHandler.Update)
			enrollments.DELETE("/:id", enrollmentHandler.Delete)
		}

		api.GET("/exports/:token", enrollmentHandler.DownloadExport)
	}

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		sugar.Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	sugar.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("graceful shutdown failed", "error", err)
	}
}
