package marketledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a non-negative integer currency amount in cents.
type AmountCents int64

// PositiveAmountCents is a strictly positive currency amount in cents,
// used for prices, debits, and top-ups.
type PositiveAmountCents int64

// LeadID identifies a sellable inventory unit.
type LeadID struct {
	value string
}

// WorkspaceID identifies the tenant that owns a credit account.
type WorkspaceID struct {
	value string
}

// PurchaseID identifies an immutable purchase record.
type PurchaseID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for top-ups.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata as a JSON blob.
type MetadataJSON struct {
	value string
}

// MarketplaceStatus defines the lead inventory lifecycle.
type MarketplaceStatus string

const (
	MarketplaceStatusAvailable MarketplaceStatus = "available"
	MarketplaceStatusReserved  MarketplaceStatus = "reserved"
	MarketplaceStatusSold      MarketplaceStatus = "sold"
)

// PurchaseStatus defines the purchase record lifecycle.
type PurchaseStatus string

const (
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// Lead is a marketplace inventory record. sold_count stays 0 or 1 for the
// whole lifetime of the lead; once sold the price is immutable.
type Lead struct {
	LeadID            LeadID
	PriceCents        PositiveAmountCents
	MarketplaceStatus MarketplaceStatus
	SoldCount         int64
	SoldAtUnixUTC     int64
	Metadata          MetadataJSON
	CreatedUnixUTC    int64
}

// CreditAccount is the per-workspace balance record.
type CreditAccount struct {
	WorkspaceID         WorkspaceID
	BalanceCents        AmountCents
	TotalPurchasedCents AmountCents
	TotalUsedCents      AmountCents
}

// Purchase is an immutable audit record connecting buyer to sold inventory.
type Purchase struct {
	PurchaseID       PurchaseID
	LeadID           LeadID
	BuyerWorkspaceID WorkspaceID
	AmountCents      PositiveAmountCents
	Status           PurchaseStatus
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// Topup is an immutable credit grant record deduplicated by idempotency key.
type Topup struct {
	TopupID        string
	WorkspaceID    WorkspaceID
	AmountCents    PositiveAmountCents
	IdempotencyKey IdempotencyKey
	CreatedUnixUTC int64
}

// PurchaseReceipt is the caller-visible outcome of a successful purchase.
type PurchaseReceipt struct {
	PurchaseID      PurchaseID
	LeadID          LeadID
	AmountCents     PositiveAmountCents
	NewBalanceCents AmountCents
}

// LeadInput describes a lead entering the marketplace catalog.
type LeadInput struct {
	PriceCents     PositiveAmountCents
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// PurchaseInput describes a purchase record to persist.
type PurchaseInput struct {
	LeadID           LeadID
	BuyerWorkspaceID WorkspaceID
	AmountCents      PositiveAmountCents
	Status           PurchaseStatus
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// TopupInput describes a top-up record to persist.
type TopupInput struct {
	WorkspaceID    WorkspaceID
	AmountCents    PositiveAmountCents
	IdempotencyKey IdempotencyKey
	CreatedUnixUTC int64
}

// NewLeadID validates and normalizes a lead id.
func NewLeadID(raw string) (LeadID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LeadID{}, fmt.Errorf("%w: empty value", ErrInvalidLeadID)
	}
	return LeadID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id LeadID) String() string {
	return id.value
}

// NewWorkspaceID validates and normalizes a workspace id.
func NewWorkspaceID(raw string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WorkspaceID{}, fmt.Errorf("%w: empty value", ErrInvalidWorkspaceID)
	}
	return WorkspaceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WorkspaceID) String() string {
	return id.value
}

// NewPurchaseID validates and normalizes a purchase id.
func NewPurchaseID(raw string) (PurchaseID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PurchaseID{}, fmt.Errorf("%w: empty value", ErrInvalidPurchaseID)
	}
	return PurchaseID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PurchaseID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates a strictly positive amount.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw cent value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens a positive amount to the non-negative domain.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ParseMarketplaceStatus validates a stored marketplace status.
func ParseMarketplaceStatus(raw string) (MarketplaceStatus, error) {
	switch MarketplaceStatus(raw) {
	case MarketplaceStatusAvailable, MarketplaceStatusReserved, MarketplaceStatusSold:
		return MarketplaceStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMarketplaceStatus, raw)
}

// String returns the status value.
func (status MarketplaceStatus) String() string {
	return string(status)
}

// ParsePurchaseStatus validates a stored purchase status.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(raw) {
	case PurchaseStatusCompleted, PurchaseStatusFailed:
		return PurchaseStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
}

// String returns the status value.
func (status PurchaseStatus) String() string {
	return string(status)
}

// Store is the persistence contract used by Service. Conditional writes
// (ClaimLead, DebitBalance) must be single atomic statements against the
// backing store; the service never performs a separate check-then-write.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertLead(ctx context.Context, input LeadInput) (Lead, error)
	GetLead(ctx context.Context, leadID LeadID) (Lead, error)
	ListAvailableLeads(ctx context.Context, limit int) ([]Lead, error)
	ClaimLead(ctx context.Context, leadID LeadID, soldAtUnixUTC int64) error

	GetOrCreateAccount(ctx context.Context, workspaceID WorkspaceID) (CreditAccount, error)
	DebitBalance(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error)
	CreditBalance(ctx context.Context, workspaceID WorkspaceID, amount PositiveAmountCents) (AmountCents, error)
	InsertTopup(ctx context.Context, input TopupInput) error

	InsertPurchase(ctx context.Context, input PurchaseInput) (PurchaseID, error)
	ListPurchases(ctx context.Context, workspaceID WorkspaceID, beforeUnixUTC int64, limit int) ([]Purchase, error)
}
