// Package oplog adapts the service's operation callback to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	"go.uber.org/zap"
)

// ZapOperationLogger emits one structured log line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// New returns a logger adapter over zap.
func New(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements marketledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry marketledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int64("amount_cents", entry.Amount.Int64()),
	}
	if entry.WorkspaceID.String() != "" {
		fields = append(fields, zap.String("workspace_id", entry.WorkspaceID.String()))
	}
	if entry.LeadID != nil {
		fields = append(fields, zap.String("lead_id", entry.LeadID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
