package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/posync"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/mmdatafocus/po_layers/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PO_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The listener comes up before the database so health checks pass while
	// connecting; API requests get 503 until the router is installed.
	var api atomic.Pointer[gin.Engine]
	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			r := api.Load()
			if r == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			r.ServeHTTP(w, req)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; running without redis locks and cache")
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.LoadSettings()
	locker := workflow.NewScopeLocker(db, config.GetRedisLock(), settings, logger)
	store := hierarchy.NewStore(db, settings, logger)
	cache := hierarchy.NewCache(config.GetRedisDB(), settings.CacheTTL)

	var source posync.SourceClient
	if settings.SourceBaseURL != "" {
		client, err := posync.NewSourceClient(settings)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "source"}).Fatal(err)
		}
		source = client
	} else {
		logger.WithFields(logrus.Fields{"field": "source"}).Warn("PO_SOURCE_BASE_URL not set; sync jobs are disabled")
	}

	archive, err := posync.NewArchiver(sigCtx, db, settings.ArchiveBucket)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "archive"}).Fatal(err)
	}

	opts := posync.Options{
		DB:        db,
		Loader:    workflow.NewFactLoader(db, locker, settings, logger),
		Builder:   workflow.NewClassificationBuilder(db, store, locker, cache, settings, logger),
		Navigator: hierarchy.NewNavigator(db, store, cache, settings, logger),
		Source:    source,
		Archive:   archive,
		Settings:  settings,
		Logger:    logger,
	}
	if config.PubSubDispatchEnabled() {
		opts.Dispatcher = posync.NewPubSubDispatcher(settings.JobTopic, settings.CreateJobTopic)
	}
	service := posync.NewService(opts)

	scheduler, err := posync.NewScheduler(service, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler"}).Fatal(err)
	}
	if scheduler != nil {
		scheduler.Start()
		defer scheduler.Stop()
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", posync.ScopeHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	service.RegisterRoutes(r)

	// Pub/Sub push endpoint for the job worker.
	r.POST("/pubsub/po-jobs", service.PubSubPushHandler())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.MetricsRegistry, promhttp.HandlerOpts{})))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	api.Store(r)
	logger.WithFields(logrus.Fields{"port": port}).Info("po sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if local, ok := service.Dispatcher().(*posync.LocalDispatcher); ok {
			local.Wait()
		}
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(config.ContextFields(c.Request.Context())).WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request")
			return
		}
		entry.Info("request")
	}
}
