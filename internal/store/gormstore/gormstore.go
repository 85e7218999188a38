package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTopupIdempotencyKey = "topups_workspace_id_idempotency_key_key"
	constraintCompletedPurchase   = "purchases_completed_lead_key"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectLead              = "lead"
	errorSubjectAccount           = "account"
	errorSubjectPurchase          = "purchase"
	errorSubjectTopup             = "topup"
	errorCodeClaim                = "claim"
	errorCodeCredit               = "credit"
	errorCodeDebit                = "debit"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeMigrate              = "migrate"
	errorCodeUpsert               = "upsert"

	// Partial unique index enforcing at most one completed purchase per
	// lead. AutoMigrate cannot express it, so Migrate applies it raw.
	sqlCompletedPurchaseIndex = `
		create unique index if not exists purchases_completed_lead_key
		on purchases(lead_id) where status = 'completed'
	`
)

// Store implements marketledger.Store using GORM (Postgres or SQLite).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema for embedded deployments and tests.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Lead{}, &CreditAccount{}, &Purchase{}, &Topup{}); err != nil {
		return wrapStoreError(errorSubjectLead, errorCodeMigrate, err)
	}
	if err := db.Exec(sqlCompletedPurchaseIndex).Error; err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore marketledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertLead(ctx context.Context, input marketledger.LeadInput) (marketledger.Lead, error) {
	model := Lead{
		PriceCents:        input.PriceCents.Int64(),
		MarketplaceStatus: marketledger.MarketplaceStatusAvailable.String(),
		SoldCount:         0,
		Metadata:          datatypesJSON(input.Metadata.String()),
		CreatedAt:         time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeInsert, err)
	}
	lead, err := mapLead(model)
	if err != nil {
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeInvalid, err)
	}
	return lead, nil
}

func (store *Store) GetLead(ctx context.Context, leadID marketledger.LeadID) (marketledger.Lead, error) {
	var model Lead
	err := store.db.WithContext(ctx).
		Where("lead_id = ?", leadID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeGet, marketledger.ErrLeadNotFound)
		}
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeGet, err)
	}
	lead, err := mapLead(model)
	if err != nil {
		return marketledger.Lead{}, wrapStoreError(errorSubjectLead, errorCodeInvalid, err)
	}
	return lead, nil
}

func (store *Store) ListAvailableLeads(ctx context.Context, limit int) ([]marketledger.Lead, error) {
	var rows []Lead
	err := store.db.WithContext(ctx).
		Where("marketplace_status = ?", marketledger.MarketplaceStatusAvailable.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLead, errorCodeList, err)
	}
	leads := make([]marketledger.Lead, 0, len(rows))
	for _, row := range rows {
		lead, err := mapLead(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLead, errorCodeInvalid, err)
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

// ClaimLead performs the conditional status transition in a single UPDATE.
// Zero affected rows means another claim won the race (or the lead is gone).
func (store *Store) ClaimLead(ctx context.Context, leadID marketledger.LeadID, soldAtUnixUTC int64) error {
	soldAt := time.Unix(soldAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Lead{}).
		Where("lead_id = ? AND marketplace_status = ?", leadID.String(), marketledger.MarketplaceStatusAvailable.String()).
		Updates(map[string]interface{}{
			"marketplace_status": marketledger.MarketplaceStatusSold.String(),
			"sold_count":         gorm.Expr("sold_count + 1"),
			"sold_at":            soldAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLead, errorCodeClaim, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var model Lead
	err := store.db.WithContext(ctx).
		Select("lead_id").
		Where("lead_id = ?", leadID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(errorSubjectLead, errorCodeClaim, marketledger.ErrLeadNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLead, errorCodeClaim, err)
	}
	return wrapStoreError(errorSubjectLead, errorCodeClaim, marketledger.ErrLeadAlreadySold)
}

// GetOrCreateAccount upserts through ON CONFLICT so two first-contact
// callers racing past the initial lookup both land on the same row instead
// of the loser surfacing a unique-key violation.
func (store *Store) GetOrCreateAccount(ctx context.Context, workspaceID marketledger.WorkspaceID) (marketledger.CreditAccount, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workspace_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"workspace_id": clause.Expr{SQL: "excluded.workspace_id"},
			}),
		}).
		FirstOrCreate(&model, CreditAccount{WorkspaceID: workspaceID.String()}).Error
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return marketledger.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

// DebitBalance checks and decrements the balance in one conditional UPDATE;
// the balance can never cross zero.
func (store *Store) DebitBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("workspace_id = ? AND balance_cents >= ?", workspaceID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance_cents":    gorm.Expr("balance_cents - ?", amount.Int64()),
			"total_used_cents": gorm.Expr("total_used_cents + ?", amount.Int64()),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, marketledger.ErrInsufficientFunds)
	}
	return store.readBalance(ctx, workspaceID, errorCodeDebit)
}

func (store *Store) CreditBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents) (marketledger.AmountCents, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("workspace_id = ?", workspaceID.String()).
		Updates(map[string]interface{}{
			"balance_cents":         gorm.Expr("balance_cents + ?", amount.Int64()),
			"total_purchased_cents": gorm.Expr("total_purchased_cents + ?", amount.Int64()),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, gorm.ErrRecordNotFound)
	}
	return store.readBalance(ctx, workspaceID, errorCodeCredit)
}

func (store *Store) InsertTopup(ctx context.Context, input marketledger.TopupInput) error {
	model := Topup{
		WorkspaceID:    input.WorkspaceID.String(),
		AmountCents:    input.AmountCents.Int64(),
		IdempotencyKey: input.IdempotencyKey.String(),
		CreatedAt:      time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err, constraintTopupIdempotencyKey) {
		return wrapStoreError(errorSubjectTopup, errorCodeDuplicate, marketledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertPurchase(ctx context.Context, input marketledger.PurchaseInput) (marketledger.PurchaseID, error) {
	model := Purchase{
		LeadID:           input.LeadID.String(),
		BuyerWorkspaceID: input.BuyerWorkspaceID.String(),
		AmountCents:      input.AmountCents.Int64(),
		Status:           input.Status.String(),
		Metadata:         datatypesJSON(input.Metadata.String()),
		CreatedAt:        time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err, constraintCompletedPurchase) {
		return marketledger.PurchaseID{}, wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, marketledger.ErrPurchaseExists)
	}
	if err != nil {
		return marketledger.PurchaseID{}, wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	purchaseID, err := marketledger.NewPurchaseID(model.PurchaseID)
	if err != nil {
		return marketledger.PurchaseID{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return purchaseID, nil
}

func (store *Store) ListPurchases(ctx context.Context, workspaceID marketledger.WorkspaceID, beforeUnixUTC int64, limit int) ([]marketledger.Purchase, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("buyer_workspace_id = ? AND created_at < ?", workspaceID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]marketledger.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase, err := mapPurchase(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

func (store *Store) readBalance(ctx context.Context, workspaceID marketledger.WorkspaceID, code string) (marketledger.AmountCents, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID.String()).
		Take(&model).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, code, err)
	}
	balance, err := marketledger.NewAmountCents(model.BalanceCents)
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return balance, nil
}

func mapLead(model Lead) (marketledger.Lead, error) {
	leadID, err := marketledger.NewLeadID(model.LeadID)
	if err != nil {
		return marketledger.Lead{}, err
	}
	price, err := marketledger.NewPositiveAmountCents(model.PriceCents)
	if err != nil {
		return marketledger.Lead{}, err
	}
	status, err := marketledger.ParseMarketplaceStatus(model.MarketplaceStatus)
	if err != nil {
		return marketledger.Lead{}, err
	}
	metadata, err := marketledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return marketledger.Lead{}, err
	}
	return marketledger.Lead{
		LeadID:            leadID,
		PriceCents:        price,
		MarketplaceStatus: status,
		SoldCount:         model.SoldCount,
		SoldAtUnixUTC:     timeOrZero(model.SoldAt),
		Metadata:          metadata,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}, nil
}

func mapAccount(model CreditAccount) (marketledger.CreditAccount, error) {
	workspaceID, err := marketledger.NewWorkspaceID(model.WorkspaceID)
	if err != nil {
		return marketledger.CreditAccount{}, err
	}
	balance, err := marketledger.NewAmountCents(model.BalanceCents)
	if err != nil {
		return marketledger.CreditAccount{}, err
	}
	purchased, err := marketledger.NewAmountCents(model.TotalPurchasedCents)
	if err != nil {
		return marketledger.CreditAccount{}, err
	}
	used, err := marketledger.NewAmountCents(model.TotalUsedCents)
	if err != nil {
		return marketledger.CreditAccount{}, err
	}
	return marketledger.CreditAccount{
		WorkspaceID:         workspaceID,
		BalanceCents:        balance,
		TotalPurchasedCents: purchased,
		TotalUsedCents:      used,
	}, nil
}

func mapPurchase(model Purchase) (marketledger.Purchase, error) {
	purchaseID, err := marketledger.NewPurchaseID(model.PurchaseID)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	leadID, err := marketledger.NewLeadID(model.LeadID)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	workspaceID, err := marketledger.NewWorkspaceID(model.BuyerWorkspaceID)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	amount, err := marketledger.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	status, err := marketledger.ParsePurchaseStatus(model.Status)
	if err != nil {
		return marketledger.Purchase{}, err
	}
	metadata, err := marketledger.NewMetadataJSON(string(model.Metadata))
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
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func wrapStoreError(subject string, code string, err error) error {
	return marketledger.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateKey(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
