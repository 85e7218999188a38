package marketledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation   string
	WorkspaceID WorkspaceID
	LeadID      *LeadID
	Amount      AmountCents
	Status      string
	Error       error
}

// SaleListener is notified after a purchase commits. Called outside the
// transaction boundary, best-effort; it cannot affect the purchase outcome.
type SaleListener interface {
	SaleCompleted(ctx context.Context, receipt PurchaseReceipt, buyer WorkspaceID)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSaleListener wires a post-commit listener for completed sales.
func WithSaleListener(listener SaleListener) ServiceOption {
	return func(service *Service) {
		service.saleListener = listener
	}
}
