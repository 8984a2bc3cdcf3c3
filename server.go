package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/talosprimes/platform_backend/config"
	"github.com/talosprimes/platform_backend/engine"
	"github.com/talosprimes/platform_backend/events"
	"github.com/talosprimes/platform_backend/middlewares"
	"github.com/talosprimes/platform_backend/models"
	"github.com/talosprimes/platform_backend/utils"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("talosprimes-platform")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// Event type names are snake_case: module prefix + action (invoice_create,
// client_update, devis_convert_to_invoice).
var eventTypeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

func registerValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
			return eventTypeNamePattern.MatchString(fl.Field().String())
		})
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// readinessGate returns 503 for app endpoints until main flips ready, which
// happens only after the DB is connected, migrations ran and the dispatcher is
// wired to the live DB. Without the flag there is a window where the port is
// open but a request would hit half-initialized collaborators.
func readinessGate(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func tenantFromRequest(c *gin.Context) (string, bool) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(tenantId) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing tenant"})
		return "", false
	}
	return tenantId, true
}

type emitEventRequest struct {
	EventType  string         `json:"event_type" binding:"required,event_type"`
	EntityType string         `json:"entity_type" binding:"required"`
	EntityId   string         `json:"entity_id" binding:"required"`
	Payload    map[string]any `json:"payload"`
}

// emitEventHandler accepts a business event and returns immediately; the
// dispatcher takes it from there. A 202 never implies the workflow ran.
func emitEventHandler(dispatcher *events.EventDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := tenantFromRequest(c)
		if !ok {
			return
		}

		var req emitEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "events.emit")
		defer span.End()

		rec := dispatcher.Emit(ctx, tenantId, req.EventType, req.EntityType, req.EntityId, req.Payload)
		if rec == nil {
			// Store failure was logged; the caller's operation still went through.
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"id":               rec.ID,
			"execution_status": rec.ExecutionStatus,
			"correlation_id":   rec.CorrelationId,
		})
	}
}

func listEventLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := tenantFromRequest(c); !ok {
			return
		}

		var eventType *string
		if v := strings.TrimSpace(c.Query("event_type")); v != "" {
			eventType = &v
		}
		var status *models.EventExecutionStatus
		if v := strings.ToUpper(strings.TrimSpace(c.Query("status"))); v != "" {
			s := models.EventExecutionStatus(v)
			switch s {
			case models.EventStatusPending, models.EventStatusSucceeded, models.EventStatusFailed:
				status = &s
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + v})
				return
			}
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		items, total, err := models.ListEventLogs(c.Request.Context(), eventType, status, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": items, "total": total})
	}
}

func getEventLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := tenantFromRequest(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		rec, err := models.GetEventLog(c.Request.Context(), config.GetDB(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "event log not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func upsertWorkflowLinkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := tenantFromRequest(c)
		if !ok {
			return
		}
		var input models.UpsertWorkflowLinkInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		link, err := models.UpsertWorkflowLink(c.Request.Context(), config.GetDB(), tenantId, &input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, link)
	}
}

func listWorkflowLinksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := tenantFromRequest(c); !ok {
			return
		}
		activeOnly := strings.EqualFold(c.DefaultQuery("active", "false"), "true")
		links, err := models.ListWorkflowLinks(c.Request.Context(), activeOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": links})
	}
}

func deactivateWorkflowLinkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := tenantFromRequest(c)
		if !ok {
			return
		}
		eventType := c.Param("eventType")
		if !eventTypeNamePattern.MatchString(eventType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event type"})
			return
		}
		if err := models.DeactivateWorkflowLink(c.Request.Context(), config.GetDB(), tenantId, eventType); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "workflow link not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type callWorkflowRequest struct {
	EventType string         `json:"event_type" binding:"required,event_type"`
	Payload   map[string]any `json:"payload"`
}

// callWorkflowHandler runs a read-style flow synchronously on the engine.
// Gated per event type so mutation flows can migrate one at a time.
func callWorkflowHandler(dispatcher *events.EventDispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := tenantFromRequest(c)
		if !ok {
			return
		}
		var req callWorkflowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !config.UseWorkflowViews() && !config.UseWorkflowCommandsFor(req.EventType) {
			c.JSON(http.StatusForbidden, gin.H{"error": "workflow calls are disabled for " + req.EventType})
			return
		}
		result, err := dispatcher.CallAndReturn(c.Request.Context(), tenantId, req.EventType, req.Payload)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}

func engineTestHandler(client *engine.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := client.TestConnection(c.Request.Context())
		if err != nil {
			if errors.Is(err, engine.ErrNotConfigured) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"connected": false, "error": err.Error()})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"connected": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connected": true})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	registerValidations()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the whole app is wired, we return 503 for app endpoints.
	var appReady atomic.Bool
	r := gin.New()
	r.Use(middlewares.TenantMiddleware())
	r.Use(readinessGate(&appReady))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Tenant-Id", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	engineClient := engine.NewClient()
	if !engineClient.Configured() {
		logger.WithFields(logrus.Fields{"field": "engine"}).Warn("ENGINE_API_URL not set; workflow triggers will be recorded as failed")
	}

	dispatcher := events.NewEventDispatcher(nil, logger, engineClient)

	r.POST("/api/events", emitEventHandler(dispatcher))
	r.GET("/api/event-logs", listEventLogsHandler())
	r.GET("/api/event-logs/:id", getEventLogHandler())
	r.POST("/api/workflow-links", upsertWorkflowLinkHandler())
	r.GET("/api/workflow-links", listWorkflowLinksHandler())
	r.DELETE("/api/workflow-links/:eventType", deactivateWorkflowLinkHandler())
	r.POST("/api/workflows/call", callWorkflowHandler(dispatcher))
	r.GET("/api/engine/test", engineTestHandler(engineClient))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Wire the dispatcher to the live DB and start the worker pool.
	dispatcher.Store = &events.DBEventStore{DB: db}
	dispatcher.Links = &events.DBLinkResolver{DB: db}
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	dispatcher.Start(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	// Everything the handlers touch is wired; open the gate.
	appReady.Store(true)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP first: requests accepted during the drain may still emit
	// events, and those need live workers.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Now stop the workers; they drain anything still queued before exiting.
	cancelDispatcher()
	dispatcher.Wait()

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
