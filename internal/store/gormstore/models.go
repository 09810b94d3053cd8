package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table: one row per (driver, sponsor) pair.
// The partial unique index on (driver_id) where is_primary keeps the
// one-primary-per-driver invariant even when two transactions race to create
// the driver's first wallet.
type Wallet struct {
	WalletID      string    `gorm:"type:uuid;primaryKey"`
	DriverID      string    `gorm:"not null;index:idx_wallets_driver_sponsor,unique,priority:1;index:idx_wallets_driver_primary,unique,where:is_primary"`
	SponsorID     string    `gorm:"not null;index:idx_wallets_driver_sponsor,unique,priority:2"`
	BalancePoints int64     `gorm:"not null"`
	IsPrimary     bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// WalletTransaction mirrors the wallet_transactions table.
type WalletTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	WalletID      string         `gorm:"type:uuid;not null;index:idx_transactions_wallet_created,priority:1"`
	DriverID      string         `gorm:"not null;index:idx_transactions_driver_created,priority:1"`
	SponsorID     string         `gorm:"not null"`
	Type          string         `gorm:"not null"`
	AmountPoints  int64          `gorm:"not null"`
	Reason        string         `gorm:"not null"`
	ActorID       *string        `gorm:""`
	OrderID       *string        `gorm:"index:idx_transactions_order"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_wallet_created,priority:2;index:idx_transactions_driver_created,priority:2"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

func (transaction *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table: the consolidated per-driver
// audit trail across all sponsors.
type LedgerEntry struct {
	EntryID            string    `gorm:"type:uuid;primaryKey"`
	DriverID           string    `gorm:"not null;index:idx_ledger_driver_created,priority:1"`
	DeltaPoints        int64     `gorm:"not null"`
	Reason             string    `gorm:"not null"`
	BalanceAfterPoints int64     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;index:idx_ledger_driver_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
