package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	paygate "github.com/x402labs/paygate"
	"github.com/x402labs/paygate/gate"
	"github.com/x402labs/paygate/pricing"
)

// EchoPaymentMiddleware is the echo counterpart of GinPaymentMiddleware.
func EchoPaymentMiddleware(v *Verifier, table *pricing.Table) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			toolID := c.Param("toolId")
			quote, err := table.Quote(toolID)
			if err != nil {
				var unknown *pricing.ErrUnknownTool
				if errors.As(err, &unknown) {
					return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown tool"})
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "pricing unavailable"})
			}

			payment := v.Inspect(c.Request().Context(), c.Request().Header.Get(PaymentHeader), quote.Requirements)
			c.SetRequest(c.Request().WithContext(WithPayment(c.Request().Context(), payment)))
			return next(c)
		}
	}
}

// EchoInvokeHandler runs the gate for POST /tools/:toolId/invocations.
func EchoInvokeHandler(g *gate.Gate, resolve CallerResolver) echo.HandlerFunc {
	if resolve == nil {
		resolve = AnonymousCaller
	}
	return func(c echo.Context) error {
		var body InvokeRequest
		if err := c.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}

		payment, ok := PaymentFromContext(c.Request().Context())
		if !ok {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "payment middleware not installed"})
		}

		caller := resolve(c.Request().Context(), c.Request().Header.Get(CallerHeader))
		resp, err := g.Process(c.Request().Context(), gate.Request{
			ToolID:  c.Param("toolId"),
			Inputs:  body.Inputs,
			Payment: payment,
			Caller:  caller,
		})
		if err != nil {
			return writeEchoError(c, err)
		}
		return writeEchoResponse(c, resp)
	}
}

func writeEchoError(c echo.Context, err error) error {
	var payErr *paygate.PaymentError
	if errors.As(err, &payErr) && payErr.Code == paygate.CodeVerificationUnavailable {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": payErr.Code})
	}
	var unknown *pricing.ErrUnknownTool
	if errors.As(err, &unknown) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown tool"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeEchoResponse(c echo.Context, resp *gate.Response) error {
	switch resp.Outcome {
	case gate.OutcomeChallenge, gate.OutcomeRejected:
		return c.JSON(resp.HTTPStatus(), map[string]interface{}{
			"error":           resp.Challenge.Error,
			"paymentRequired": resp.Challenge,
		})
	case gate.OutcomePending:
		return c.JSON(resp.HTTPStatus(), InvokeResponse{JobID: resp.JobID})
	case gate.OutcomeFailed:
		return c.JSON(resp.HTTPStatus(), map[string]string{"error": resp.Failure.Code})
	default:
		return c.JSON(resp.HTTPStatus(), InvokeResponse{Result: resp.Result, X402: resp.X402})
	}
}
