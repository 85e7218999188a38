package marketledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx holds the mutex for the whole
// callback and restores a snapshot on error, mirroring the serializable
// commit-or-rollback behavior the service relies on.
type stubStore struct {
	mutex sync.Mutex
	state stubState

	insertLeadError     error
	getLeadError        error
	listLeadsError      error
	claimLeadError      error
	getAccountError     error
	debitError          error
	creditError         error
	insertTopupError    error
	insertPurchaseError error
	listPurchasesError  error
	withTxError         error
}

type stubState struct {
	leads       map[string]Lead
	accounts    map[string]CreditAccount
	purchases   []Purchase
	topupKeys   map[string]bool
	purchaseSeq int
	leadSeq     int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		state: stubState{
			leads:     map[string]Lead{},
			accounts:  map[string]CreditAccount{},
			topupKeys: map[string]bool{},
		},
	}
}

func (state stubState) clone() stubState {
	cloned := stubState{
		leads:       make(map[string]Lead, len(state.leads)),
		accounts:    make(map[string]CreditAccount, len(state.accounts)),
		purchases:   append([]Purchase(nil), state.purchases...),
		topupKeys:   make(map[string]bool, len(state.topupKeys)),
		purchaseSeq: state.purchaseSeq,
		leadSeq:     state.leadSeq,
	}
	for key, value := range state.leads {
		cloned.leads[key] = value
	}
	for key, value := range state.accounts {
		cloned.accounts[key] = value
	}
	for key := range state.topupKeys {
		cloned.topupKeys[key] = true
	}
	return cloned
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.withTxError != nil {
		return store.withTxError
	}
	snapshot := store.state.clone()
	err := fn(ctx, &stubTxStore{store: store})
	if err != nil {
		store.state = snapshot
	}
	return err
}

func (store *stubStore) InsertLead(ctx context.Context, input LeadInput) (Lead, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertLead(input)
}

func (store *stubStore) GetLead(ctx context.Context, leadID LeadID) (Lead, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getLead(leadID)
}

func (store *stubStore) ListAvailableLeads(ctx context.Context, limit int) ([]Lead, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.listAvailableLeads(limit)
}

func (store *stubStore) ClaimLead(ctx context.Context, leadID LeadID, soldAtUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.claimLead(leadID, soldAtUnixUTC)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, workspaceID WorkspaceID) (CreditAccount, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.getOrCreateAccount(workspaceID)
}

func (store *stubStore) DebitBalance(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.debitBalance(workspaceID, amount)
}

func (store *stubStore) CreditBalance(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.creditBalance(workspaceID, amount)
}

func (store *stubStore) InsertTopup(ctx context.Context, input TopupInput) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertTopup(input)
}

func (store *stubStore) InsertPurchase(ctx context.Context, input PurchaseInput) (PurchaseID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertPurchase(input)
}

func (store *stubStore) ListPurchases(ctx context.Context, workspaceID WorkspaceID, beforeUnixUTC int64, limit int) ([]Purchase, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.listPurchases(workspaceID, beforeUnixUTC, limit)
}

// stubTxStore runs against the already-locked parent store.
type stubTxStore struct {
	store *stubStore
}

func (tx *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTxStore) InsertLead(ctx context.Context, input LeadInput) (Lead, error) {
	return tx.store.insertLead(input)
}

func (tx *stubTxStore) GetLead(ctx context.Context, leadID LeadID) (Lead, error) {
	return tx.store.getLead(leadID)
}

func (tx *stubTxStore) ListAvailableLeads(ctx context.Context, limit int) ([]Lead, error) {
	return tx.store.listAvailableLeads(limit)
}

func (tx *stubTxStore) ClaimLead(ctx context.Context, leadID LeadID, soldAtUnixUTC int64) error {
	return tx.store.claimLead(leadID, soldAtUnixUTC)
}

func (tx *stubTxStore) GetOrCreateAccount(ctx context.Context, workspaceID WorkspaceID) (CreditAccount, error) {
	return tx.store.getOrCreateAccount(workspaceID)
}

func (tx *stubTxStore) DebitBalance(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error) {
	return tx.store.debitBalance(workspaceID, amount)
}

func (tx *stubTxStore) CreditBalance(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error) {
	return tx.store.creditBalance(workspaceID, amount)
}

func (tx *stubTxStore) InsertTopup(ctx context.Context, input TopupInput) error {
	return tx.store.insertTopup(input)
}

func (tx *stubTxStore) InsertPurchase(ctx context.Context, input PurchaseInput) (PurchaseID, error) {
	return tx.store.insertPurchase(input)
}

func (tx *stubTxStore) ListPurchases(ctx context.Context, workspaceID WorkspaceID, beforeUnixUTC int64, limit int) ([]Purchase, error) {
	return tx.store.listPurchases(workspaceID, beforeUnixUTC, limit)
}

func (store *stubStore) insertLead(input LeadInput) (Lead, error) {
	if store.insertLeadError != nil {
		return Lead{}, store.insertLeadError
	}
	store.state.leadSeq++
	lead := Lead{
		LeadID:            LeadID{value: fmt.Sprintf("lead-%d", store.state.leadSeq)},
		PriceCents:        input.PriceCents,
		MarketplaceStatus: MarketplaceStatusAvailable,
		Metadata:          input.Metadata,
		CreatedUnixUTC:    input.CreatedUnixUTC,
	}
	store.state.leads[lead.LeadID.value] = lead
	return lead, nil
}

func (store *stubStore) getLead(leadID LeadID) (Lead, error) {
	if store.getLeadError != nil {
		return Lead{}, store.getLeadError
	}
	lead, ok := store.state.leads[leadID.value]
	if !ok {
		return Lead{}, ErrLeadNotFound
	}
	return lead, nil
}

func (store *stubStore) listAvailableLeads(limit int) ([]Lead, error) {
	if store.listLeadsError != nil {
		return nil, store.listLeadsError
	}
	leads := make([]Lead, 0)
	for _, lead := range store.state.leads {
		if lead.MarketplaceStatus == MarketplaceStatusAvailable {
			leads = append(leads, lead)
		}
	}
	sort.Slice(leads, func(left, right int) bool {
		return leads[left].CreatedUnixUTC > leads[right].CreatedUnixUTC
	})
	if limit > 0 && len(leads) > limit {
		leads = leads[:limit]
	}
	return leads, nil
}

func (store *stubStore) claimLead(leadID LeadID, soldAtUnixUTC int64) error {
	if store.claimLeadError != nil {
		return store.claimLeadError
	}
	lead, ok := store.state.leads[leadID.value]
	if !ok {
		return ErrLeadNotFound
	}
	if lead.MarketplaceStatus != MarketplaceStatusAvailable {
		return ErrLeadAlreadySold
	}
	lead.MarketplaceStatus = MarketplaceStatusSold
	lead.SoldCount++
	lead.SoldAtUnixUTC = soldAtUnixUTC
	store.state.leads[leadID.value] = lead
	return nil
}

func (store *stubStore) getOrCreateAccount(workspaceID WorkspaceID) (CreditAccount, error) {
	if store.getAccountError != nil {
		return CreditAccount{}, store.getAccountError
	}
	account, ok := store.state.accounts[workspaceID.value]
	if !ok {
		account = CreditAccount{WorkspaceID: workspaceID}
		store.state.accounts[workspaceID.value] = account
	}
	return account, nil
}

func (store *stubStore) debitBalance(workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error) {
	if store.debitError != nil {
		return 0, store.debitError
	}
	account, ok := store.state.accounts[workspaceID.value]
	if !ok {
		return 0, ErrInsufficientFunds
	}
	if account.BalanceCents.Int64() < amount.Int64() {
		return 0, ErrInsufficientFunds
	}
	account.BalanceCents -= amount.ToAmountCents()
	account.TotalUsedCents += amount.ToAmountCents()
	store.state.accounts[workspaceID.value] = account
	return account.BalanceCents, nil
}

func (store *stubStore) creditBalance(workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error) {
	if store.creditError != nil {
		return 0, store.creditError
	}
	account, ok := store.state.accounts[workspaceID.value]
	if !ok {
		return 0, ErrInvalidBalance
	}
	account.BalanceCents += amount.ToAmountCents()
	account.TotalPurchasedCents += amount.ToAmountCents()
	store.state.accounts[workspaceID.value] = account
	return account.BalanceCents, nil
}

func (store *stubStore) insertTopup(input TopupInput) error {
	if store.insertTopupError != nil {
		return store.insertTopupError
	}
	key := input.WorkspaceID.value + "|" + input.IdempotencyKey.value
	if store.state.topupKeys[key] {
		return ErrDuplicateIdempotencyKey
	}
	store.state.topupKeys[key] = true
	return nil
}

func (store *stubStore) insertPurchase(input PurchaseInput) (PurchaseID, error) {
	if store.insertPurchaseError != nil {
		return PurchaseID{}, store.insertPurchaseError
	}
	if input.Status == PurchaseStatusCompleted {
		for _, existing := range store.state.purchases {
			if existing.LeadID == input.LeadID && existing.Status == PurchaseStatusCompleted {
				return PurchaseID{}, ErrPurchaseExists
			}
		}
	}
	store.state.purchaseSeq++
	purchase := Purchase{
		PurchaseID:       PurchaseID{value: fmt.Sprintf("purchase-%d", store.state.purchaseSeq)},
		LeadID:           input.LeadID,
		BuyerWorkspaceID: input.BuyerWorkspaceID,
		AmountCents:      input.AmountCents,
		Status:           input.Status,
		Metadata:         input.Metadata,
		CreatedUnixUTC:   input.CreatedUnixUTC,
	}
	store.state.purchases = append(store.state.purchases, purchase)
	return purchase.PurchaseID, nil
}

func (store *stubStore) listPurchases(workspaceID WorkspaceID, beforeUnixUTC int64, limit int) ([]Purchase, error) {
	if store.listPurchasesError != nil {
		return nil, store.listPurchasesError
	}
	purchases := make([]Purchase, 0)
	for _, purchase := range store.state.purchases {
		if purchase.BuyerWorkspaceID == workspaceID && purchase.CreatedUnixUTC < beforeUnixUTC {
			purchases = append(purchases, purchase)
		}
	}
	sort.Slice(purchases, func(left, right int) bool {
		return purchases[left].CreatedUnixUTC > purchases[right].CreatedUnixUTC
	})
	if limit > 0 && len(purchases) > limit {
		purchases = purchases[:limit]
	}
	return purchases, nil
}

// purchasesForLead returns the stored purchase rows for a lead, all statuses.
func (store *stubStore) purchasesForLead(leadID LeadID) []Purchase {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matching := make([]Purchase, 0)
	for _, purchase := range store.state.purchases {
		if purchase.LeadID == leadID {
			matching = append(matching, purchase)
		}
	}
	return matching
}
