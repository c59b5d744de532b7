package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lwhitworth8/ngi-capital-backend/config"
	"github.com/lwhitworth8/ngi-capital-backend/middlewares"
	"github.com/lwhitworth8/ngi-capital-backend/models"
	"github.com/lwhitworth8/ngi-capital-backend/models/reports"
	"github.com/lwhitworth8/ngi-capital-backend/utils"
	"github.com/lwhitworth8/ngi-capital-backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer trace.Tracer = otel.Tracer("ngi-capital-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// workflows bundles the wired engines for the HTTP handlers.
type workflows struct {
	conversions *workflow.ConversionWorkflow
	entries     *workflow.JournalApprovalWorkflow
	policy      *workflow.ApprovalPolicy
	ledger      *workflow.ApprovalLedger
}

func buildWorkflows(logger *logrus.Logger) *workflows {
	stores := workflow.NewGormStores(config.GetDB())
	policy := &workflow.ApprovalPolicy{Store: stores}
	ledger := &workflow.ApprovalLedger{Store: stores, Logger: logger}
	evaluator := &workflow.PrerequisiteEvaluator{Health: stores, Logger: logger}
	engine := &workflow.ExecutionEngine{Poster: stores, Source: stores}
	return &workflows{
		conversions: &workflow.ConversionWorkflow{
			Store:       stores,
			Evaluator:   evaluator,
			Policy:      policy,
			Ledger:      ledger,
			Engine:      engine,
			Scope:       stores,
			Idempotency: stores,
			Events:      stores,
			Logger:      logger,
		},
		entries: &workflow.JournalApprovalWorkflow{
			Entries:      stores.JournalEntries(),
			Requirements: stores,
			Store:        stores,
			Policy:       policy,
			Ledger:       ledger,
			Poster:       stores,
			Scope:        stores,
			Events:       stores,
			Logger:       logger,
		},
		policy: policy,
		ledger: ledger,
	}
}

// bindJSON decodes the request body and writes the 400 response itself when
// the payload fails validation.
func bindJSON(c *gin.Context, dest interface{}) bool {
	err := c.ShouldBindJSON(dest)
	if err == nil {
		return true
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid request",
			"fields": utils.ProcessValidationErrors(validationErrors),
		})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	return false
}

func callerEmail(c *gin.Context) (string, bool) {
	email, ok := utils.GetUserEmailFromContext(c.Request.Context())
	if !ok || email == "" {
		return "", false
	}
	return email, true
}

// httpStatusFor maps workflow errors onto response codes. Blocked
// prerequisites and stale-state transitions are client-visible conflicts, not
// server faults.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrPolicyNotConfigured):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrAlreadyExecuted):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrPrerequisitesBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrExternalPostingFailure):
		return http.StatusBadGateway
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

type conversionCreateRequest struct {
	EntityId         string `json:"entity_id" binding:"required"`
	EffectiveDate    string `json:"effective_date" binding:"required"`
	Ein              string `json:"ein"`
	FormationState   string `json:"formation_state"`
	ParValue         string `json:"par_value"`
	AuthorizedShares int64  `json:"authorized_shares"`
	IssuedShares     int64  `json:"issued_shares"`
}

func parseEffectiveDate(raw string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("effective_date must be YYYY-MM-DD: %w", err)
	}
	return d.UTC(), nil
}

func conversionPrerequisitesHandler(w *workflows) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := callerEmail(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		entityId := strings.TrimSpace(c.Query("entity_id"))
		date, err := parseEffectiveDate(c.Query("effective_date"))
		if entityId == "" || err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entity_id and effective_date are required"})
			return
		}

		req, verdict, err := w.conversions.EvaluatePrerequisites(c.Request.Context(), models.ConversionRequest{
			EntityId:      entityId,
			EffectiveDate: date,
		})
		if err != nil {
			c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request": req,
			"verdict": verdict,
		})
	}
}

func conversionStatusHandler(w *workflows) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := callerEmail(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		entityId := strings.TrimSpace(c.Query("entity_id"))
		date, err := parseEffectiveDate(c.Query("effective_date"))
		if entityId == "" || err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entity_id and effective_date are required"})
			return
		}

		req, progress, err := w.conversions.Status(c.Request.Context(), entityId, date)
		if err != nil {
			c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request":  req,
			"progress": progress,
		})
	}
}

func conversionCreateHandler(w *workflows) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := callerEmail(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var body conversionCreateRequest
		if !bindJSON(c, &body) {
			return
		}
		date, err := parseEffectiveDate(body.EffectiveDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		par := decimal.Zero
		if strings.TrimSpace(body.ParValue) != "" {
			par, err = utils.ParseDecimal(body.ParValue)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "par_value is not a valid decimal"})
				return
			}
		}

		req, verdict, err := w.conversions.EvaluatePrerequisites(c.Request.Context(), models.ConversionRequest{
			EntityId:         body.EntityId,
			EffectiveDate:    date,
			Ein:              body.Ein,
			FormationState:   body.FormationState,
			ParValue:         par,
			AuthorizedShares: body.AuthorizedShares,
			IssuedShares:     body.IssuedShares,
		})
		if err != nil {
			c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request": req,
			"verdict": verdict,
		})
	}
}

type approvalRequest struct {
	SubjectKind   string `json:"subject_kind" binding:"required"`
	EntityId      string `json:"entity_id" binding:"required"`
	EffectiveDate string `json:"effective_date"`
	JournalId     int    `json:"journal_id"`
}

func approvalHandler(w *workflows) gin.HandlerFunc {
	return func(c *gin.Context) {
		email, ok := callerEmail(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var body approvalRequest
		if !bindJSON(c, &body) {
			return
		}

		var progress *workflow.Progress
		var err error
		switch models.ApprovalSubjectKind(body.SubjectKind) {
		case models.ApprovalSubjectConversion:
			var date time.Time
			date, err = parseEffectiveDate(body.EffectiveDate)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			progress, err = w.conversions.Approve(c.Request.Context(), body.EntityId, date, email)
		case models.ApprovalSubjectJournalEntry:
			if body.JournalId <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "journal_id is required"})
				return
			}
			progress, err = w.entries.Approve(c.Request.Context(), body.EntityId, body.JournalId, email)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown subject_kind"})
			return
		}
		if err != nil {
			c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

func approvalProgressHandler(w *workflows) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := callerEmail(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		entityId := strings.TrimSpace(c.Query("entity_id"))
		kind := models.ApprovalSubjectKind(c.Query("subject_kind"))
		reference := strings.TrimSpace(c.Query("reference"))
		if entityId == "" || kind == "" || reference == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "subject_kind, entity_id and reference are required"})
			return
		}

		progress, err := w.policy.ProgressFor(c.Request.Context(), models.ApprovalSubject{
			Kind:      kind,
			EntityId:  entityId,
			Reference: reference,
		})
		if err != nil {
			c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

type conversionExecuteRequest struct {
	EntityId      string `json:"entity_id" binding:"required"`
	EffectiveDate string `json:"effective_date" binding:"required"`
}

func conversionExecuteHandler(w *workflows) gin.HandlerFunc {
	return func(c *gin.Context) {
		email, ok := callerEmail(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var body conversionExecuteRequest
		if !bindJSON(c, &body) {
			return
		}
		date, err := parseEffectiveDate(body.EffectiveDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "conversion.execute")
		defer span.End()

		// Best-effort Redis lock to shed duplicate submissions early; the
		// MySQL advisory lock inside Execute is what guarantees exclusivity.
		logger := config.GetLogger()
		var lock *redislock.Lock
		if redisLock := config.GetRedisLock(); redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":     "conversionExecuteHandler",
				"entity_id": body.EntityId,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			var lockErr error
			lock, lockErr = redisLock.Obtain(ctx, fmt.Sprintf("lock:conversion:%s", body.EntityId), 30*time.Second, nil)
			if lockErr == redislock.ErrNotObtained {
				c.JSON(http.StatusConflict, gin.H{"error": "a conversion for this entity is already executing"})
				return
			} else if lockErr != nil {
				logger.WithFields(logrus.Fields{
					"field":     "conversionExecuteHandler",
					"entity_id": body.EntityId,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + lockErr.Error())
				lock = nil
			}
		}
		if lock != nil {
			defer func() {
				_ = lock.Release(context.Background())
			}()
		}

		result, verdict, err := w.conversions.Execute(ctx, body.EntityId, date, email)
		if err != nil {
			payload := gin.H{"error": err.Error()}
			if verdict != nil && !verdict.Ok {
				payload["verdict"] = verdict
			}
			c.JSON(httpStatusFor(err), payload)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"result":         result,
			"entity_id":      body.EntityId,
			"effective_date": body.EffectiveDate,
			"correlation_id": cid,
		})
	}
}

type journalEntryActionRequest struct {
	EntityId string `json:"entity_id" binding:"required"`
}

func journalEntryActionHandler(w *workflows, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		email, ok := callerEmail(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		entryId, err := strconv.Atoi(c.Param("id"))
		if err != nil || entryId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid journal entry id"})
			return
		}
		var body journalEntryActionRequest
		if !bindJSON(c, &body) {
			return
		}

		ctx := c.Request.Context()
		switch action {
		case "submit":
			progress, err := w.entries.Submit(ctx, body.EntityId, entryId)
			if err != nil {
				c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, progress)
		case "approve":
			progress, err := w.entries.Approve(ctx, body.EntityId, entryId, email)
			if err != nil {
				c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, progress)
		case "post":
			outcome, err := w.entries.Post(ctx, body.EntityId, entryId, email)
			if err != nil {
				c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, outcome)
		}
	}
}

func approvalAuditExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := callerEmail(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		entityId := strings.TrimSpace(c.Query("entity_id"))
		if entityId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entity_id is required"})
			return
		}
		if err := reports.WriteApprovalAuditExcel(c.Request.Context(), c.Writer, entityId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	}
}

type outboxReplayRequest struct {
	EntityId string `json:"entity_id"`
	RecordId int    `json:"record_id"`
}

// outboxReplayHandler re-queues a DEAD or FAILED outbox record (admin only).
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := callerEmail(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if isAdmin, ok := utils.GetIsAdminFromContext(c.Request.Context()); !ok || !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.EntityId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entity_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.ApprovalEventRecord{}).
			Where("id = ? AND entity_id = ?", req.RecordId, req.EntityId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entity_id":       req.EntityId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
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

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

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
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
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

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Workflows are wired lazily: GetDB() is nil until the retry loop below
	// connects, and the readiness gate keeps these routes closed until then.
	var wfs *workflows
	withWorkflows := func(build func(*workflows) gin.HandlerFunc) gin.HandlerFunc {
		var h gin.HandlerFunc
		return func(c *gin.Context) {
			if h == nil {
				if wfs == nil {
					c.AbortWithStatus(http.StatusServiceUnavailable)
					return
				}
				h = build(wfs)
			}
			h(c)
		}
	}

	r.POST("/api/conversions", withWorkflows(conversionCreateHandler))
	r.GET("/api/conversions/prerequisites", withWorkflows(conversionPrerequisitesHandler))
	r.GET("/api/conversions/status", withWorkflows(conversionStatusHandler))
	r.POST("/api/conversions/execute", withWorkflows(conversionExecuteHandler))
	r.GET("/api/approvals/progress", withWorkflows(approvalProgressHandler))
	r.POST("/api/approvals", withWorkflows(approvalHandler))
	r.POST("/api/journal-entries/:id/submit", withWorkflows(func(w *workflows) gin.HandlerFunc { return journalEntryActionHandler(w, "submit") }))
	r.POST("/api/journal-entries/:id/approve", withWorkflows(func(w *workflows) gin.HandlerFunc { return journalEntryActionHandler(w, "approve") }))
	r.POST("/api/journal-entries/:id/post", withWorkflows(func(w *workflows) gin.HandlerFunc { return journalEntryActionHandler(w, "post") }))
	r.GET("/api/approvals/audit/export", approvalAuditExportHandler())
	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())

	// Start listening immediately (startup probe is TCP based).
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

	wfs = buildWorkflows(logger)

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

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

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
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

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

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
	key := c.ClientIP()

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
