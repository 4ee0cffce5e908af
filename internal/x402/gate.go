package x402

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/meter"
)

// Gin context keys set by the gate on admission.
const (
	ContextPayer    = "x402_payer"
	ContextMeter    = "x402_meter"
	ContextRawProof = "x402_raw_proof"
)

// Gate is the request-level admission decision for x402-protected
// routes. It verifies proofs but never settles them; settlement is an
// explicit downstream step so the two stay independently retryable.
type Gate struct {
	meters    *meter.Registry
	validator Validator
	logger    *zap.Logger
}

// NewGate creates a gate over the meter catalog and chosen validator.
func NewGate(meters *meter.Registry, validator Validator, logger *zap.Logger) *Gate {
	return &Gate{
		meters:    meters,
		validator: validator,
		logger:    logger.Named("x402"),
	}
}

// Middleware guards a route with the named meter. A request without a
// payment proof receives the 402 challenge; an invalid proof receives
// 402 with the validator's verdict; a valid proof is admitted with the
// verified payer attached to the request context.
func (g *Gate) Middleware(meterID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawProof := c.GetHeader(PaymentHeader)
		if rawProof == "" {
			m, ok := g.meters.Get(meterID)
			if !ok {
				// A route bound to an unregistered meter is a wiring
				// bug, not a client error.
				g.logger.Error("route bound to unknown meter", zap.String("meter", meterID))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "meter not configured"})
				return
			}
			c.AbortWithStatusJSON(http.StatusPaymentRequired, NewChallenge(m))
			return
		}

		result := g.validator.Validate(c.Request.Context(), rawProof, meterID)
		if !result.Valid {
			g.logger.Info("payment proof rejected",
				zap.String("meter", meterID),
				zap.String("error_kind", string(result.ErrorKind)))
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":      "invalid payment",
				"error_kind": result.ErrorKind,
				"reason":     result.Reason,
			})
			return
		}

		c.Set(ContextPayer, result.Payer)
		c.Set(ContextMeter, meterID)
		c.Set(ContextRawProof, rawProof)
		c.Next()
	}
}
