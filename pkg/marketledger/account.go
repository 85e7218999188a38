package marketledger

import "context"

// Balance returns the workspace's credit account view, creating the account
// lazily on first contact.
func (service *Service) Balance(ctx context.Context, workspaceID WorkspaceID) (CreditAccount, error) {
	return service.store.GetOrCreateAccount(ctx, workspaceID)
}

// TopUp credits the workspace balance. Replays with the same idempotency key
// are rejected without touching the balance.
func (service *Service) TopUp(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents, idempotencyKey IdempotencyKey) (AmountCents, error) {
	var newBalance AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, workspaceID); err != nil {
			return err
		}
		if err := transactionStore.InsertTopup(ctx, TopupInput{
			WorkspaceID:    workspaceID,
			AmountCents:    amount,
			IdempotencyKey: idempotencyKey,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		balance, err := transactionStore.CreditBalance(ctx, workspaceID, amount)
		if err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationTopUp,
		WorkspaceID: workspaceID,
		Amount:      amount.ToAmountCents(),
		Error:       operationError,
	})
	return newBalance, operationError
}

// ListPurchases lists the workspace's purchase records before a cutoff time.
func (service *Service) ListPurchases(ctx context.Context, workspaceID WorkspaceID, beforeUnixUTC int64, limit int) ([]Purchase, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListPurchases(ctx, workspaceID, beforeUnixUTC, limit)
}
