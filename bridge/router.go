// Package bridge exposes the capture core to the local page observer and
// check-in UI over a loopback HTTP API.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socialscope/capture"
	"socialscope/checkin"
	"socialscope/scheduler"
	"socialscope/spooler"
)

type Ingester interface {
	Ingest(ctx context.Context, participantID string, raw []byte) (*spooler.Event, error)
	CurrentSession(ctx context.Context, participantID string) (*spooler.Session, error)
	EndSession(ctx context.Context, participantID string) (*spooler.Session, error)
}

type Capturer interface {
	Capture(ctx context.Context, c capture.Candidate) (capture.Decision, error)
}

type Syncer interface {
	SyncNow(ctx context.Context) (scheduler.Status, error)
	Latest() (scheduler.Status, bool)
}

type PendingCounter interface {
	PendingCounts() (map[spooler.Class]int64, error)
}

// Auditor answers read-only questions about what the local store holds.
type Auditor interface {
	Event(id string) (*spooler.Event, error)
	CountEvents(participantID string) (int64, error)
	CountOcrResults(eventID string) (int64, error)
	CaptureCounts(stream string) (snapshots, decisions, unchanged int64, err error)
	RisksForFlow(flowID string) ([]spooler.RiskRecord, error)
}

type Deps struct {
	Ingest   Ingester
	Capture  Capturer
	Sync     Syncer
	Pending  PendingCounter
	Checkins *checkin.Engine
	Flows    *checkin.Registry
	// Audit backs the read-only audit routes; nil disables them.
	Audit Auditor
	// MaxBody bounds request bodies. Zero means 32 MiB.
	MaxBody int64
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	// Token, when set, is required as a bearer token on /v1 routes.
	Token  string
	Logger *slog.Logger
}

type handler struct {
	Deps
	logger *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{Deps: d, logger: logger.With("component", "bridge")}
	if h.Flows == nil {
		h.Flows = checkin.NewRegistry(time.Hour)
	}
	if h.MaxBody <= 0 {
		h.MaxBody = defaultMaxBody
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.Use(auth(d.Token), limitBody(h.MaxBody))
	{
		v1.POST("/participants/:pid/events", h.ingestEvent)
		v1.POST("/participants/:pid/captures/:kind", h.capture)
		v1.POST("/participants/:pid/sessions/end", h.endSession)
		v1.POST("/participants/:pid/checkins", h.beginCheckin)
		v1.POST("/sync", h.syncNow)
		v1.GET("/sync/status", h.syncStatus)
		v1.GET("/checkins/:id", h.getCheckin)
		v1.POST("/checkins/:id/answers", h.answer)
		v1.POST("/checkins/:id/safety", h.answerSafety)
		v1.POST("/checkins/:id/resources/done", h.leaveResources)
		if d.Audit != nil {
			v1.GET("/participants/:pid/audit", h.participantAudit)
			v1.GET("/captures/counts", h.captureCounts)
			v1.GET("/checkins/:id/risks", h.flowRisks)
			v1.GET("/events/:id", h.event)
		}
	}
	return r
}

func auth(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token != "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}
		c.Next()
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
