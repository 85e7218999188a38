package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTopupIdempotencyKey = "topups_workspace_id_idempotency_key_key"
	constraintCompletedPurchase   = "purchases_completed_lead_key"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectLead              = "lead"
	errorSubjectAccount           = "account"
	errorSubjectPurchase          = "purchase"
	errorSubjectTopup             = "topup"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeClaim                = "claim"
	errorCodeCredit               = "credit"
	errorCodeDebit                = "debit"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeUpsert               = "upsert"

	sqlInsertLead = `
		insert into leads(lead_id, price_cents, marketplace_status, sold_count, metadata, created_at)
		values(gen_random_uuid(), $1, 'available', 0, coalesce(nullif($2,''),'{}')::jsonb, to_timestamp($3))
		returning lead_id::text
	`

	sqlSelectLead = `
		select
			lead_id::text,
			price_cents,
			marketplace_status::text,
			sold_count,
			coalesce(extract(epoch from sold_at)::bigint,0),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from leads
		where lead_id = $1
	`

	sqlListAvailableLeads = `
		select
			lead_id::text,
			price_cents,
			marketplace_status::text,
			sold_count,
			coalesce(extract(epoch from sold_at)::bigint,0),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from leads
		where marketplace_status = 'available'
		order by created_at desc
		limit $1
	`

	sqlClaimLead = `
		update leads
		set marketplace_status = 'sold', sold_count = sold_count + 1, sold_at = to_timestamp($2)
		where lead_id = $1 and marketplace_status = 'available'
	`

	sqlSelectLeadStatus = `
		select marketplace_status::text from leads where lead_id = $1
	`

	sqlUpsertAccount = `
		insert into credit_accounts(workspace_id) values($1)
		on conflict (workspace_id) do update set workspace_id = excluded.workspace_id
		returning workspace_id, balance_cents, total_purchased_cents, total_used_cents
	`

	sqlDebitBalance = `
		update credit_accounts
		set balance_cents = balance_cents - $2, total_used_cents = total_used_cents + $2, updated_at = now()
		where workspace_id = $1 and balance_cents >= $2
		returning balance_cents
	`

	sqlCreditBalance = `
		update credit_accounts
		set balance_cents = balance_cents + $2, total_purchased_cents = total_purchased_cents + $2, updated_at = now()
		where workspace_id = $1
		returning balance_cents
	`

	sqlInsertTopup = `
		insert into topups(topup_id, workspace_id, amount_cents, idempotency_key, created_at)
		values(gen_random_uuid(), $1, $2, $3, to_timestamp($4))
	`

	sqlInsertPurchase = `
		insert into purchases(purchase_id, lead_id, buyer_workspace_id, amount_cents, status, metadata, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
		returning purchase_id::text
	`

	sqlListPurchases = `
		select
			purchase_id::text,
			lead_id::text,
			buyer_workspace_id,
			amount_cents,
			status::text,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from purchases
		where buyer_workspace_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

// Store implements marketledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements marketledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) InsertLead(ctx context.Context, input marketledger.LeadInput) (marketledger.Lead, error) {
	return insertLead(ctx, store.pool, input)
}

func (store *Store) GetLead(ctx context.Context, leadID marketledger.LeadID) (marketledger.Lead, error) {
	return getLead(ctx, store.pool, leadID)
}

func (store *Store) ListAvailableLeads(ctx context.Context, limit int) ([]marketledger.Lead, error) {
	return listAvailableLeads(ctx, store.pool, limit)
}

func (store *Store) ClaimLead(ctx context.Context, leadID marketledger.LeadID, soldAtUnixUTC int64) error {
	return claimLead(ctx, store.pool, leadID, soldAtUnixUTC)
}

func (store *Store) GetOrCreateAccount(ctx context.Context, workspaceID marketledger.WorkspaceID) (marketledger.CreditAccount, error) {
	return upsertAccount(ctx, store.pool, workspaceID)
}

func (store *Store) DebitBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	return debitBalance(ctx, store.pool, workspaceID, amount)
}

func (store *Store) CreditBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	return creditBalance(ctx, store.pool, workspaceID, amount)
}

func (store *Store) InsertTopup(ctx context.Context, input marketledger.TopupInput) error {
	return insertTopup(ctx, store.pool, input)
}

func (store *Store) InsertPurchase(ctx context.Context, input marketledger.PurchaseInput) (marketledger.PurchaseID, error) {
	return insertPurchase(ctx, store.pool, input)
}

func (store *Store) ListPurchases(ctx context.Context, workspaceID marketledger.WorkspaceID, beforeUnixUTC int64, limit int) ([]marketledger.Purchase, error) {
	return listPurchases(ctx, store.pool, workspaceID, beforeUnixUTC, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) InsertLead(ctx context.Context, input marketledger.LeadInput) (marketledger.Lead, error) {
	return insertLead(ctx, store.tx, input)
}

func (store *TxStore) GetLead(ctx context.Context, leadID marketledger.LeadID) (marketledger.Lead, error) {
	return getLead(ctx, store.tx, leadID)
}

func (store *TxStore) ListAvailableLeads(ctx context.Context, limit int) ([]marketledger.Lead, error) {
	return listAvailableLeads(ctx, store.tx, limit)
}

func (store *TxStore) ClaimLead(ctx context.Context, leadID marketledger.LeadID, soldAtUnixUTC int64) error {
	return claimLead(ctx, store.tx, leadID, soldAtUnixUTC)
}

func (store *TxStore) GetOrCreateAccount(ctx context.Context, workspaceID marketledger.WorkspaceID) (marketledger.CreditAccount, error) {
	return upsertAccount(ctx, store.tx, workspaceID)
}

func (store *TxStore) DebitBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	return debitBalance(ctx, store.tx, workspaceID, amount)
}

func (store *TxStore) CreditBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	return creditBalance(ctx, store.tx, workspaceID, amount)
}

func (store *TxStore) InsertTopup(ctx context.Context, input marketledger.TopupInput) error {
	return insertTopup(ctx, store.tx, input)
}

func (store *TxStore) InsertPurchase(ctx context.Context, input marketledger.PurchaseInput) (marketledger.PurchaseID, error) {
	return insertPurchase(ctx, store.tx, input)
}

func (store *TxStore) ListPurchases(ctx context.Context, workspaceID marketledger.WorkspaceID, beforeUnixUTC int64, limit int) ([]marketledger.Purchase, error) {
	return listPurchases(ctx, store.tx, workspaceID, beforeUnixUTC, limit)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLead(ctx context.Context, q querier, input marketledger.LeadInput) (marketledger.Lead, error) {
	var leadIDValue string
	err := q.QueryRow(ctx, sqlInsertLead,
		input.PriceCents.Int64(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&leadIDValue)
	if err != nil {
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeInsert, err)
	}
	leadID, err := marketledger.NewLeadID(leadIDValue)
	if err != nil {
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeInvalid, err)
	}
	metadata, err := marketledger.NewMetadataJSON(input.Metadata.String())
	if err != nil {
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeInvalid, err)
	}
	return marketledger.Lead{
		LeadID:            leadID,
		PriceCents:        input.PriceCents,
		MarketplaceStatus: marketledger.MarketplaceStatusAvailable,
		SoldCount:         0,
		Metadata:          metadata,
		CreatedUnixUTC:    input.CreatedUnixUTC,
	}, nil
}

func getLead(ctx context.Context, q querier, leadID marketledger.LeadID) (marketledger.Lead, error) {
	lead, err := scanLead(q.QueryRow(ctx, sqlSelectLead, leadID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeGet, marketledger.ErrLeadNotFound)
		}
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeGet, err)
	}
	return lead, nil
}

func listAvailableLeads(ctx context.Context, q querier, limit int) ([]marketledger.Lead, error) {
	rows, err := q.Query(ctx, sqlListAvailableLeads, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLead, errorCodeList, err)
	}
	defer rows.Close()
	leads := make([]marketledger.Lead, 0, 32)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLead, errorCodeInvalid, err)
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLead, errorCodeList, err)
	}
	return leads, nil
}

// claimLead is the single conditional write deciding the purchase race: the
// WHERE clause re-checks availability under row-level locking, so exactly one
// concurrent transaction observes a non-zero row count.
func claimLead(ctx context.Context, q querier, leadID marketledger.LeadID, soldAtUnixUTC int64) error {
	tag, err := q.Exec(ctx, sqlClaimLead, leadID.String(), soldAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectLead, errorCodeClaim, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var statusValue string
	err = q.QueryRow(ctx, sqlSelectLeadStatus, leadID.String()).Scan(&statusValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(errorSubjectLead, errorCodeClaim, marketledger.ErrLeadNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLead, errorCodeClaim, err)
	}
	return wrapStoreError(errorSubjectLead, errorCodeClaim, marketledger.ErrLeadAlreadySold)
}

func upsertAccount(ctx context.Context, q querier, workspaceID marketledger.WorkspaceID) (marketledger.CreditAccount, error) {
	var (
		workspaceValue string
		balanceValue   int64
		purchasedValue int64
		usedValue      int64
	)
	err := q.QueryRow(ctx, sqlUpsertAccount, workspaceID.String()).Scan(
		&workspaceValue,
		&balanceValue,
		&purchasedValue,
		&usedValue,
	)
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	return buildAccount(workspaceValue, balanceValue, purchasedValue, usedValue)
}

func debitBalance(ctx context.Context, q querier, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	var balanceValue int64
	err := q.QueryRow(ctx, sqlDebitBalance, workspaceID.String(), amount.Int64()).Scan(&balanceValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, marketledger.ErrInsufficientFunds)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	balance, err := marketledger.NewAmountCents(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func creditBalance(ctx context.Context, q querier, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	var balanceValue int64
	err := q.QueryRow(ctx, sqlCreditBalance, workspaceID.String(), amount.Int64()).Scan(&balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	balance, err := marketledger.NewAmountCents(balanceValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func insertTopup(ctx context.Context, q querier, input marketledger.TopupInput) error {
	_, err := q.Exec(ctx, sqlInsertTopup,
		input.WorkspaceID.String(),
		input.AmountCents.Int64(),
		input.IdempotencyKey.String(),
		input.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintTopupIdempotencyKey) {
		return wrapStoreError(errorSubjectTopup, errorCodeDuplicate, marketledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeInsert, err)
	}
	return nil
}

func insertPurchase(ctx context.Context, q querier, input marketledger.PurchaseInput) (marketledger.PurchaseID, error) {
	var purchaseIDValue string
	err := q.QueryRow(ctx, sqlInsertPurchase,
		input.LeadID.String(),
		input.BuyerWorkspaceID.String(),
		input.AmountCents.Int64(),
		input.Status.String(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&purchaseIDValue)
	if isUniqueViolation(err, constraintCompletedPurchase) {
		return marketledger.PurchaseID{}, wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, marketledger.ErrPurchaseExists)
	}
	if err != nil {
		return marketledger.PurchaseID{}, wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	purchaseID, err := marketledger.NewPurchaseID(purchaseIDValue)
	if err != nil {
		return marketledger.PurchaseID{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchaseID, nil
}

func listPurchases(ctx context.Context, q querier, workspaceID marketledger.WorkspaceID, beforeUnixUTC int64, limit int) ([]marketledger.Purchase, error) {
	rows, err := q.Query(ctx, sqlListPurchases, workspaceID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()
	purchases := make([]marketledger.Purchase, 0, 32)
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return purchases, nil
}

func scanLead(row pgx.Row) (marketledger.Lead, error) {
	var (
		leadIDValue      string
		priceValue       int64
		statusValue      string
		soldCountValue   int64
		soldAtUnixUTC    int64
		metadataValue    string
		createdAtUnixUTC int64
	)
	if err := row.Scan(
		&leadIDValue,
		&priceValue,
		&statusValue,
		&soldCountValue,
		&soldAtUnixUTC,
		&metadataValue,
		&createdAtUnixUTC,
	); err != nil {
		return marketledger.Lead{}, err
	}
	leadID, err := marketledger.NewLeadID(leadIDValue)
	if err != nil {
		return marketledger.Lead{}, err
	}
	price, err := marketledger.NewPositiveAmountCents(priceValue)
	if err != nil {
		return marketledger.Lead{}, err
	}
	status, err := marketledger.ParseMarketplaceStatus(statusValue)
	if err != nil {
		return marketledger.Lead{}, err
	}
	metadata, err := marketledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return marketledger.Lead{}, err
	}
	return marketledger.Lead{
		LeadID:            leadID,
		PriceCents:        price,
		MarketplaceStatus: status,
		SoldCount:         soldCountValue,
		SoldAtUnixUTC:     soldAtUnixUTC,
		Metadata:          metadata,
		CreatedUnixUTC:    createdAtUnixUTC,
	}, nil
}

func scanPurchase(row pgx.Row) (marketledger.Purchase, error) {
	var (
		purchaseIDValue  string
		leadIDValue      string
		workspaceValue   string
		amountValue      int64
		statusValue      string
		metadataValue    string
		createdAtUnixUTC int64
	)
	if err := row.Scan(
		&purchaseIDValue,
		&leadIDValue,
		&workspaceValue,
		&amountValue,
		&statusValue,
		&metadataValue,
		&createdAtUnixUTC,
	); err != nil {
		return marketledger.Purchase{}, err
	}
	purchaseID, err := marketledger.NewPurchaseID(purchaseIDValue)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	leadID, err := marketledger.NewLeadID(leadIDValue)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	workspaceID, err := marketledger.NewWorkspaceID(workspaceValue)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	amount, err := marketledger.NewPositiveAmountCents(amountValue)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	status, err := marketledger.ParsePurchaseStatus(statusValue)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	metadata, err := marketledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	return marketledger.Purchase{
		PurchaseID:       purchaseID,
		LeadID:           leadID,
		BuyerWorkspaceID: workspaceID,
		AmountCents:      amount,
		Status:           status,
		Metadata:         metadata,
		CreatedUnixUTC:   createdAtUnixUTC,
	}, nil
}

func buildAccount(workspaceValue string, balanceValue int64, purchasedValue int64, usedValue int64) (marketledger.CreditAccount, error) {
	workspaceID, err := marketledger.NewWorkspaceID(workspaceValue)
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := marketledger.NewAmountCents(balanceValue)
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	purchased, err := marketledger.NewAmountCents(purchasedValue)
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	used, err := marketledger.NewAmountCents(usedValue)
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return marketledger.CreditAccount{
		WorkspaceID:         workspaceID,
		BalanceCents:        balance,
		TotalPurchasedCents: purchased,
		TotalUsedCents:      used,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return marketledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
