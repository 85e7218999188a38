package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Lead mirrors the leads table.
type Lead struct {
	LeadID            string         `gorm:"type:uuid;primaryKey"`
	PriceCents        int64          `gorm:"not null"`
	MarketplaceStatus string         `gorm:"type:marketplace_status;not null;default:available;index:idx_leads_status_created,priority:1"`
	SoldCount         int64          `gorm:"not null;default:0"`
	SoldAt            *time.Time     `gorm:""`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_leads_status_created,priority:2"`
}

func (Lead) TableName() string { return "leads" }

func (lead *Lead) BeforeCreate(tx *gorm.DB) error {
	if lead.LeadID == "" {
		lead.LeadID = uuid.NewString()
	}
	return nil
}

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	WorkspaceID         string    `gorm:"primaryKey"`
	BalanceCents        int64     `gorm:"not null;default:0"`
	TotalPurchasedCents int64     `gorm:"not null;default:0"`
	TotalUsedCents      int64     `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Purchase mirrors the purchases table.
type Purchase struct {
	PurchaseID       string         `gorm:"type:uuid;primaryKey"`
	LeadID           string         `gorm:"type:uuid;not null;index"`
	BuyerWorkspaceID string         `gorm:"not null;index:idx_purchases_workspace_created,priority:1"`
	AmountCents      int64          `gorm:"not null"`
	Status           string         `gorm:"type:purchase_status;not null"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_purchases_workspace_created,priority:2"`
}

func (Purchase) TableName() string { return "purchases" }

func (purchase *Purchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}

// Topup mirrors the topups table.
type Topup struct {
	TopupID        string    `gorm:"type:uuid;primaryKey"`
	WorkspaceID    string    `gorm:"not null;index:uniq_topup_workspace_idem,unique,priority:1"`
	AmountCents    int64     `gorm:"not null"`
	IdempotencyKey string    `gorm:"not null;index:uniq_topup_workspace_idem,unique,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Topup) TableName() string { return "topups" }

func (topup *Topup) BeforeCreate(tx *gorm.DB) error {
	if topup.TopupID == "" {
		topup.TopupID = uuid.NewString()
	}
	return nil
}
