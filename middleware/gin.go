package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	paygate "github.com/x402labs/paygate"
	"github.com/x402labs/paygate/gate"
	"github.com/x402labs/paygate/pricing"
)

// GinPaymentMiddleware inspects the X-PAYMENT header for routes of the form
// /tools/:toolId/... and attaches the result to the request context. It never
// writes a payment decision itself; the gate does that in the handler.
func GinPaymentMiddleware(v *Verifier, table *pricing.Table) gin.HandlerFunc {
	return func(c *gin.Context) {
		toolID := c.Param("toolId")
		quote, err := table.Quote(toolID)
		if err != nil {
			var unknown *pricing.ErrUnknownTool
			if errors.As(err, &unknown) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown tool"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "pricing unavailable"})
			return
		}

		payment := v.Inspect(c.Request.Context(), c.GetHeader(PaymentHeader), quote.Requirements)
		c.Request = c.Request.WithContext(WithPayment(c.Request.Context(), payment))
		c.Next()
	}
}

// GinInvokeHandler runs the gate for POST /tools/:toolId/invocations.
func GinInvokeHandler(g *gate.Gate, resolve CallerResolver) gin.HandlerFunc {
	if resolve == nil {
		resolve = AnonymousCaller
	}
	return func(c *gin.Context) {
		var body InvokeRequest
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		payment, ok := PaymentFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payment middleware not installed"})
			return
		}

		caller := resolve(c.Request.Context(), c.GetHeader(CallerHeader))
		resp, err := g.Process(c.Request.Context(), gate.Request{
			ToolID:  c.Param("toolId"),
			Inputs:  body.Inputs,
			Payment: payment,
			Caller:  caller,
		})
		if err != nil {
			writeGinError(c, err)
			return
		}
		writeGinResponse(c, resp)
	}
}

func writeGinError(c *gin.Context, err error) {
	var payErr *paygate.PaymentError
	if errors.As(err, &payErr) && payErr.Code == paygate.CodeVerificationUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": payErr.Code})
		return
	}
	var unknown *pricing.ErrUnknownTool
	if errors.As(err, &unknown) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func writeGinResponse(c *gin.Context, resp *gate.Response) {
	switch resp.Outcome {
	case gate.OutcomeChallenge, gate.OutcomeRejected:
		c.JSON(resp.HTTPStatus(), gin.H{
			"error":           resp.Challenge.Error,
			"paymentRequired": resp.Challenge,
		})
	case gate.OutcomePending:
		c.JSON(resp.HTTPStatus(), InvokeResponse{JobID: resp.JobID})
	case gate.OutcomeFailed:
		c.JSON(resp.HTTPStatus(), gin.H{"error": resp.Failure.Code})
	default:
		c.JSON(resp.HTTPStatus(), InvokeResponse{Result: resp.Result, X402: resp.X402})
	}
}
