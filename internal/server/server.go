// Package server exposes the gateway over HTTP: the chat endpoint, the
// supervised feedback endpoint, and the ops surface (stats, status,
// reset, Prometheus metrics).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegis/internal/config"
	"aegis/internal/gateway"
	"aegis/internal/hardening"
	"aegis/internal/logging"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_decisions_total",
		Help: "Pipeline decisions by tenant and stage.",
	}, []string{"tenant", "stage"})

	pipelineLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_pipeline_latency_seconds",
		Help:    "Security overhead per request, excluding response generation.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"tenant"})
)

func init() {
	prometheus.MustRegister(decisionsTotal, pipelineLatency)
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg     *config.Config
	manager *gateway.Manager
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, manager *gateway.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID())

	s := &Server{cfg: cfg, manager: manager}

	router.POST("/v1/chat", s.handleChat)
	router.POST("/v1/feedback", s.handleFeedback)
	router.POST("/api/reset", s.handleReset)
	router.GET("/api/stats", s.handleStats)
	router.GET("/api/status", s.handleStatus)
	if cfg.Server.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logging.Server("Listening on %s", s.cfg.Server.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes all tenant pipelines.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.manager.Close()
	return err
}

// requestID tags every request so tenant activity can be correlated
// across the category logs.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()
		logging.WithRequestID(logging.CategoryServer, id).Debug("%s %s -> %d (%.2fms)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000.0)
	}
}

type chatRequest struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Message == "" || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and message are required"})
		return
	}

	p, err := s.manager.Get(req.ClientID)
	if err != nil {
		logging.ServerError("Failed to boot tenant %q: %v", req.ClientID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tenant initialization failed"})
		return
	}

	decision := p.Process(c.Request.Context(), req.Message)
	decisionsTotal.WithLabelValues(req.ClientID, decision.Stage).Inc()
	pipelineLatency.WithLabelValues(req.ClientID).Observe(decision.LatencyMS / 1000.0)

	c.JSON(http.StatusOK, decision)
}

type feedbackRequest struct {
	ClientID       string `json:"client_id"`
	Prompt         string `json:"prompt"`
	ExpectedLabel  string `json:"expected_label"`  // MALICIOUS or BENIGN
	ActualDecision string `json:"actual_decision"` // BLOCKED or ALLOWED
	Correct        bool   `json:"correct"`
}

// handleFeedback accepts ground-truth labels. Only mistakes train the
// defenses: a missed attack grows supervised antibodies, a false positive
// prunes them. Correct predictions are acknowledged and dropped.
func (s *Server) handleFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Prompt == "" || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and prompt are required"})
		return
	}
	if req.ExpectedLabel != hardening.VerdictMalicious && req.ExpectedLabel != hardening.VerdictBenign {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected_label must be MALICIOUS or BENIGN"})
		return
	}

	if req.Correct {
		c.JSON(http.StatusOK, gin.H{
			"status":  "correct",
			"message": "Prediction was correct, no training needed",
		})
		return
	}

	p, err := s.manager.Get(req.ClientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tenant initialization failed"})
		return
	}

	logging.Server("[%s] Feedback mismatch: expected %s, got %s", req.ClientID, req.ExpectedLabel, req.ActualDecision)
	p.Feedback(req.Prompt, req.ExpectedLabel)

	if req.ExpectedLabel == hardening.VerdictMalicious {
		c.JSON(http.StatusAccepted, gin.H{
			"status":       "trained",
			"message":      "Supervised antibodies generated for missed attack",
			"ground_truth": req.ExpectedLabel,
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "pruned",
		"message": "Negative Learning triggered: Bad antibodies pruned.",
	})
}

type resetRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	s.manager.Reset(req.ClientID)
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Stats())
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"engine":  s.manager.Engine().Name(),
		"tenants": s.manager.Tenants(),
	})
}
