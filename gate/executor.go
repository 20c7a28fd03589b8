package gate

import "context"

// CallerContext identifies the caller of a gated operation and, optionally,
// where to deliver its completion webhook.
type CallerContext struct {
	ID            string
	WebhookURL    string
	WebhookSecret string
}

// OperationRequest is handed to the downstream executor once payment has been
// verified and recorded.
type OperationRequest struct {
	// ID is the operation identifier linked from the payment record.
	ID     string
	ToolID string
	Inputs map[string]interface{}
	Caller CallerContext
}

// OperationResult is the executor's answer. Pending=true means the operation
// runs asynchronously; the executor (or its callback transport) must later
// hand the final result to Gate.CompleteAsync under the same JobID.
type OperationResult struct {
	Pending bool
	JobID   string
	Output  map[string]interface{}
}

// Executor runs the protected downstream operation. It is an external
// collaborator; the gate only cares whether it succeeded, failed, or went
// asynchronous. An error return means the operation failed and the payer must
// not be charged.
type Executor interface {
	Execute(ctx context.Context, op OperationRequest) (*OperationResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op OperationRequest) (*OperationResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, op OperationRequest) (*OperationResult, error) {
	return f(ctx, op)
}
