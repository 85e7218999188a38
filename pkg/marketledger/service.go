package marketledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the marketplace ledger domain logic over a Store. It
// composes the inventory claim and the credit debit into one logically
// atomic purchase; all concurrency control is delegated to the Store's
// conditional writes so the guarantees hold across process instances.
type Service struct {
	store        Store
	nowFn        func() int64
	logger       OperationLogger
	saleListener SaleListener
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Purchase buys a lead for the given workspace. Exactly one concurrent
// caller per lead succeeds; the claim, the debit, and the purchase record
// commit or roll back together.
func (service *Service) Purchase(ctx context.Context, leadID LeadID, buyerWorkspaceID WorkspaceID) (PurchaseReceipt, error) {
	receipt, operationError := service.purchase(ctx, leadID, buyerWorkspaceID)
	leadRef := leadID
	service.logOperation(ctx, OperationLog{
		Operation:   operationPurchase,
		WorkspaceID: buyerWorkspaceID,
		LeadID:      &leadRef,
		Amount:      receipt.AmountCents.ToAmountCents(),
		Error:       operationError,
	})
	if operationError == nil && service.saleListener != nil {
		service.saleListener.SaleCompleted(ctx, receipt, buyerWorkspaceID)
	}
	return receipt, operationError
}

func (service *Service) purchase(ctx context.Context, leadID LeadID, buyerWorkspaceID WorkspaceID) (PurchaseReceipt, error) {
	lead, err := service.store.GetLead(ctx, leadID)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	if lead.MarketplaceStatus == MarketplaceStatusSold {
		return PurchaseReceipt{}, ErrLeadAlreadySold
	}
	// Early affordability check against a snapshot balance. The conditional
	// debit inside the transaction is the authoritative check.
	account, err := service.store.GetOrCreateAccount(ctx, buyerWorkspaceID)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	if account.BalanceCents.Int64() < lead.PriceCents.Int64() {
		return PurchaseReceipt{}, InsufficientFundsError{
			RequiredCents: lead.PriceCents.Int64(),
			CurrentCents:  account.BalanceCents.Int64(),
		}
	}
	var receipt PurchaseReceipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if err := transactionStore.ClaimLead(ctx, leadID, nowUnixUTC); err != nil {
			return err
		}
		newBalance, err := transactionStore.DebitBalance(ctx, buyerWorkspaceID, lead.PriceCents)
		if err != nil {
			return err
		}
		purchaseID, err := transactionStore.InsertPurchase(ctx, PurchaseInput{
			LeadID:           leadID,
			BuyerWorkspaceID: buyerWorkspaceID,
			AmountCents:      lead.PriceCents,
			Status:           PurchaseStatusCompleted,
			Metadata:         lead.Metadata,
			CreatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return err
		}
		receipt = PurchaseReceipt{
			PurchaseID:      purchaseID,
			LeadID:          leadID,
			AmountCents:     lead.PriceCents,
			NewBalanceCents: newBalance,
		}
		return nil
	})
	if operationError == nil {
		return receipt, nil
	}
	if errors.Is(operationError, ErrInsufficientFunds) {
		service.recordFailedAttempt(ctx, leadID, buyerWorkspaceID, lead.PriceCents)
		return PurchaseReceipt{}, service.insufficientFunds(ctx, buyerWorkspaceID, lead.PriceCents)
	}
	return PurchaseReceipt{}, operationError
}

// recordFailedAttempt writes a failed purchase record after the transaction
// rolled back. Best-effort: the audit row never touches balance or inventory
// and a write failure does not change the purchase outcome.
func (service *Service) recordFailedAttempt(ctx context.Context, leadID LeadID, buyerWorkspaceID WorkspaceID, price PositiveAmountCents) {
	_, _ = service.store.InsertPurchase(ctx, PurchaseInput{
		LeadID:           leadID,
		BuyerWorkspaceID: buyerWorkspaceID,
		AmountCents:      price,
		Status:           PurchaseStatusFailed,
		Metadata:         MetadataJSON{value: "{}"},
		CreatedUnixUTC:   service.nowFn(),
	})
}

func (service *Service) insufficientFunds(ctx context.Context, workspaceID WorkspaceID, price PositiveAmountCents) error {
	currentCents := int64(0)
	if account, err := service.store.GetOrCreateAccount(ctx, workspaceID); err == nil {
		currentCents = account.BalanceCents.Int64()
	}
	return InsufficientFundsError{
		RequiredCents: price.Int64(),
		CurrentCents:  currentCents,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
