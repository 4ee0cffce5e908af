package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/meter"
	"github.com/terminal-bench/payrollengine/internal/payroll"
	"github.com/terminal-bench/payrollengine/internal/x402"
)

// PayrollMeter is the meter gating the payroll-processing endpoint.
const PayrollMeter = "payroll-run"

// Config holds server configuration.
type Config struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Server wires the x402 gate and the payroll pipeline into HTTP.
type Server struct {
	router    *gin.Engine
	meters    *meter.Registry
	gate      *x402.Gate
	settler   *x402.SettlementExecutor
	pipeline  *payroll.Pipeline
	store     payroll.Store
	limiter   *rateLimiter
	jwtSecret string
	logger    *zap.Logger
}

// New creates the HTTP server.
func New(cfg Config, meters *meter.Registry, gate *x402.Gate, settler *x402.SettlementExecutor, pipeline *payroll.Pipeline, store payroll.Store, logger *zap.Logger) *Server {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	s := &Server{
		router:    gin.New(),
		meters:    meters,
		gate:      gate,
		settler:   settler,
		pipeline:  pipeline,
		store:     store,
		limiter:   newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		jwtSecret: cfg.JWTSecret,
		logger:    logger.Named("server"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metricsMiddleware())
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/meters", s.listMeters)
		v1.POST("/payroll/process",
			s.authMiddleware(),
			s.gate.Middleware(PayrollMeter),
			s.processPayroll)
		v1.GET("/payroll/:id", s.authMiddleware(), s.getPayroll)
	}
}

// Handler exposes the router for tests and the HTTP server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) listMeters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"meters": s.meters.All()})
}

type paymentBody struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Recipient   string `json:"recipient"`
	Description string `json:"description"`
}

type railBody struct {
	SourceAccountID string `json:"source_account_id"`
	CounterpartyID  string `json:"counterparty_id"`
	WithdrawalRail  string `json:"withdrawal_rail"`
}

type processRequest struct {
	Customer map[string]interface{} `json:"customer"`
	Payment  *paymentBody           `json:"payment"`
	Payments []paymentBody          `json:"payments"`
	Rail     *railBody              `json:"rail"`
}

func (s *Server) processPayroll(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	bodies := req.Payments
	if req.Payment != nil {
		bodies = append([]paymentBody{*req.Payment}, bodies...)
	}
	if len(bodies) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no payments in request"})
		return
	}

	currency := bodies[0].Currency
	specs := make([]payroll.PaymentSpec, 0, len(bodies))
	for _, b := range bodies {
		if b.Amount <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment amount must be positive"})
			return
		}
		if b.Currency == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment currency is required"})
			return
		}
		if b.Currency != currency {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payments must share one currency"})
			return
		}
		specs = append(specs, payroll.PaymentSpec{
			Amount:    b.Amount,
			Currency:  b.Currency,
			Recipient: b.Recipient,
		})
	}

	// Settle the access payment before any payroll work. The gate
	// verified it; this converts the authorization into an actual
	// transfer. Failure blocks the request.
	rawProof := c.GetString(x402.ContextRawProof)
	meterID := c.GetString(x402.ContextMeter)
	settle := s.settler.Settle(c.Request.Context(), rawProof, meterID)
	if !settle.Success {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":  "payment settlement failed",
			"reason": settle.ErrorReason,
		})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = uuid.New().String()
	}

	pipelineReq := payroll.Request{
		IdempotencyKey: key,
		Currency:       currency,
		Payments:       specs,
	}
	if req.Rail != nil {
		pipelineReq.Rail = payroll.RailOptions{
			SourceAccountID: req.Rail.SourceAccountID,
			CounterpartyID:  req.Rail.CounterpartyID,
			WithdrawalRail:  req.Rail.WithdrawalRail,
		}
	}

	result, err := s.pipeline.Process(c.Request.Context(), pipelineReq)
	if err != nil {
		switch {
		case errors.Is(err, payroll.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, payroll.ErrDuplicateRun):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.logger.Error("pipeline error", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payroll processing failed"})
		}
		return
	}

	payrollRunsTotal.WithLabelValues(string(result.Status)).Inc()

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	c.Header("X-Payment-Response", settle.TxHash)
	c.JSON(status, result)
}

func (s *Server) getPayroll(c *gin.Context) {
	id := c.Param("id")
	p, err := s.store.GetPayroll(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, payroll.ErrPayrollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payroll not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payroll"})
		return
	}

	payments, err := s.store.GetPayments(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payroll": p, "payments": payments})
}
