package paygate

import "fmt"

// PaymentError represents a payment-specific error surfaced to callers
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Rejection and failure codes surfaced on challenge and error responses
const (
	CodePaymentRequired         = "PAYMENT_REQUIRED"
	CodeMalformedPayment        = "MALFORMED_PAYMENT"
	CodeInsufficientPayment     = "INSUFFICIENT_PAYMENT"
	CodePaymentAlreadyUsed      = "PAYMENT_ALREADY_USED"
	CodeExecutionFailed         = "EXECUTION_FAILED"
	CodeVerificationUnavailable = "VERIFICATION_UNAVAILABLE"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
