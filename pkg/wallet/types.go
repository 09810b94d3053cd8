package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Points is a signed quantity of incentive points.
type Points int64

// Int64 returns the raw point count.
func (points Points) Int64() int64 {
	return int64(points)
}

// PointsDelta is a nonzero signed point adjustment.
type PointsDelta int64

// NewPointsDelta validates that a delta is nonzero.
func NewPointsDelta(raw int64) (PointsDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be nonzero", ErrInvalidDelta)
	}
	return PointsDelta(raw), nil
}

// Int64 returns the signed delta.
func (delta PointsDelta) Int64() int64 {
	return int64(delta)
}

// IsCredit reports whether the delta adds points.
func (delta PointsDelta) IsCredit() bool {
	return delta > 0
}

// Abs returns the delta magnitude.
func (delta PointsDelta) Abs() Points {
	if delta < 0 {
		return Points(-delta)
	}
	return Points(delta)
}

// DriverID identifies a driver across all sponsors.
type DriverID struct {
	value string
}

// SponsorID identifies a sponsoring company.
type SponsorID struct {
	value string
}

// ActorID identifies who initiated a balance change.
type ActorID struct {
	value string
}

// OrderID is an opaque reference to an external purchase order.
type OrderID struct {
	value string
}

// Reason is the human-readable cause attached to a balance change.
type Reason struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewDriverID validates and normalizes a driver id.
func NewDriverID(raw string) (DriverID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DriverID{}, fmt.Errorf("%w: empty value", ErrInvalidDriverID)
	}
	return DriverID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id DriverID) String() string {
	return id.value
}

// NewSponsorID validates and normalizes a sponsor id.
func NewSponsorID(raw string) (SponsorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SponsorID{}, fmt.Errorf("%w: empty value", ErrInvalidSponsorID)
	}
	return SponsorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SponsorID) String() string {
	return id.value
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// NewOrderID validates and normalizes an order reference.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized reference.
func (id OrderID) String() string {
	return id.value
}

// NewReason validates and normalizes a reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason text.
func (reason Reason) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
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

// TransactionType enumerates per-wallet transaction kinds.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionCredit, TransactionDebit:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Wallet is one (driver, sponsor) point balance.
type Wallet struct {
	WalletID       string
	DriverID       string
	SponsorID      string
	BalancePoints  Points
	Primary        bool
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Transaction is a single immutable per-wallet credit or debit.
type Transaction struct {
	TransactionID  string
	WalletID       string
	DriverID       string
	SponsorID      string
	Type           TransactionType
	AmountPoints   Points
	Reason         string
	ActorID        string
	OrderID        string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// SignedPoints returns the transaction delta with its sign restored.
func (transaction Transaction) SignedPoints() Points {
	if transaction.Type == TransactionDebit {
		return -transaction.AmountPoints
	}
	return transaction.AmountPoints
}

// LedgerEntry is a consolidated cross-sponsor audit row for one driver.
type LedgerEntry struct {
	EntryID            string
	DriverID           string
	DeltaPoints        Points
	Reason             string
	BalanceAfterPoints Points
	CreatedUnixUTC     int64
}

// Allocation records how many points one wallet contributed to a checkout.
type Allocation struct {
	WalletID     string
	SponsorID    string
	AmountPoints Points
}

// TransactionFilter narrows ListTransactions results. Empty fields match all.
type TransactionFilter struct {
	WalletID string
	DriverID string
	OrderID  string
	Type     TransactionType
}

// Store is the persistence contract used by Service.
// Both gormstore and pgstore implement it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (Wallet, error)
	CreateWallet(ctx context.Context, record Wallet) (Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error
	DeleteWallet(ctx context.Context, walletID string) error
	ListWallets(ctx context.Context, driverID string) ([]Wallet, error)
	ListWalletsForUpdate(ctx context.Context, driverID string) ([]Wallet, error)
	SumDriverBalance(ctx context.Context, driverID string) (int64, error)
	ClearPrimary(ctx context.Context, driverID string) error
	MarkPrimary(ctx context.Context, walletID string) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	ListTransactions(ctx context.Context, filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error)
	ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
}
