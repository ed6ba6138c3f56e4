package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/models"
	"github.com/mmdatafocus/marketplace_backend/storesync"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"github.com/mmdatafocus/marketplace_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Standalone mirror-sync worker: serves the Pub/Sub push endpoint for
// realtime propagation and runs the periodic catch-up sweep.
func main() {
	port := os.Getenv("MIRROR_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/pubsub/order-sync", storesync.PubSubPushHandler(logger))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	if err := config.ConnectMirrorStores(); err != nil {
		logger.WithFields(logrus.Fields{"field": "mirrors"}).Error("mirror stores unavailable: " + err.Error())
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
		if err := models.MigrateMirrorTables(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Error("mirror migration failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	worker := storesync.NewWorker(db, logger)
	worker.SweepInterval = time.Duration(intFromEnv("MIRROR_SWEEP_INTERVAL_SECONDS", 60)) * time.Second
	worker.PageSize = intFromEnv("MIRROR_SWEEP_PAGE_SIZE", 200)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go worker.Run(workerCtx)

	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)

	if interval := intFromEnv("DIVERGENCE_SCAN_INTERVAL_SECONDS", 21600); interval > 0 {
		go runPeriodicDivergenceScans(workerCtx, logger, time.Duration(interval)*time.Second)
	}

	select {
	case <-sigCtx.Done():
		cancelWorker()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

// runPeriodicDivergenceScans walks every business with orders and checks its
// mirrors on a slow cadence, catching divergence the sweep worker cannot see
// (rows corrupted on a mirror without a corresponding origin write).
func runPeriodicDivergenceScans(ctx context.Context, logger *logrus.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		db := config.GetDB()
		if db == nil || len(config.MirrorNames()) == 0 {
			continue
		}

		var businessIds []string
		unscoped := utils.SetSkipTenantScopeInContext(ctx, true)
		if err := db.WithContext(unscoped).Model(&models.Order{}).
			Distinct("business_id").Pluck("business_id", &businessIds).Error; err != nil {
			config.LogError(logger, "main.go", "runPeriodicDivergenceScans", "list businesses", nil, err)
			continue
		}

		for _, businessId := range businessIds {
			scoped := utils.SetBusinessIdInContext(ctx, businessId)
			summary, err := storesync.DivergenceScan(scoped, db, logger, businessId, 200)
			if err != nil {
				config.LogError(logger, "main.go", "runPeriodicDivergenceScans", "scan",
					map[string]interface{}{"business_id": businessId}, err)
				continue
			}
			if summary.Divergent > 0 || summary.Ambiguous > 0 {
				logger.WithFields(logrus.Fields{
					"business_id": businessId,
					"divergent":   summary.Divergent,
					"ambiguous":   summary.Ambiguous,
					"scanned":     summary.OrdersScanned,
				}).Warn("mirror divergence detected")
			}
		}
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
