package oplog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/marketledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationSuccess(test *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	operationLogger := oplog.New(zap.New(core))

	workspaceID, err := marketledger.NewWorkspaceID("ws-1")
	if err != nil {
		test.Fatalf("workspace id: %v", err)
	}
	leadID, err := marketledger.NewLeadID("lead-1")
	if err != nil {
		test.Fatalf("lead id: %v", err)
	}
	operationLogger.LogOperation(context.Background(), marketledger.OperationLog{
		Operation:   "purchase",
		WorkspaceID: workspaceID,
		LeadID:      &leadID,
		Amount:      marketledger.AmountCents(500),
		Status:      "ok",
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("log entries: want 1, got %d", len(entries))
	}
	if entries[0].Level != zap.InfoLevel {
		test.Fatalf("level: want info, got %s", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "purchase" {
		test.Fatalf("operation field: got %v", fields["operation"])
	}
	if fields["lead_id"] != "lead-1" {
		test.Fatalf("lead_id field: got %v", fields["lead_id"])
	}
	if fields["amount_cents"] != int64(500) {
		test.Fatalf("amount_cents field: got %v", fields["amount_cents"])
	}
}

func TestLogOperationFailureLogsWarning(test *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	operationLogger := oplog.New(zap.New(core))

	workspaceID, err := marketledger.NewWorkspaceID("ws-1")
	if err != nil {
		test.Fatalf("workspace id: %v", err)
	}
	operationLogger.LogOperation(context.Background(), marketledger.OperationLog{
		Operation:   "topup",
		WorkspaceID: workspaceID,
		Amount:      marketledger.AmountCents(100),
		Status:      "error",
		Error:       errors.New("duplicate idempotency key"),
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("log entries: want 1, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		test.Fatalf("level: want warn, got %s", entries[0].Level)
	}
}
