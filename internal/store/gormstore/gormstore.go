package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/trucklane/points/pkg/wallet"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON    = "{}"
	pgUniqueViolationCode  = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	sqliteConstraintCode   = 19
	errorOperationStore    = "store"
	errorSubjectWallet     = "wallet"
	errorSubjectBalance    = "balance"
	errorSubjectTxn        = "transaction"
	errorSubjectLedger     = "ledger_entry"
	errorCodeCreate        = "create"
	errorCodeConflict      = "conflict"
	errorCodeDelete        = "delete"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeSumBalance    = "sum_balance"
	errorCodeUpdateBalance = "update_balance"
	errorCodeUpdatePrimary = "update_primary"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Used for sqlite deployments and
// tests; production postgres schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Wallet{}, &WalletTransaction{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isConcurrencyConflict(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeConflict, wallet.ErrConcurrencyConflict)
	}
	return err
}

func (store *Store) GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (wallet.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("driver_id = ? AND sponsor_id = ?", driverID, sponsorID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrWalletNotFound)
		}
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(model), nil
}

func (store *Store) CreateWallet(ctx context.Context, record wallet.Wallet) (wallet.Wallet, error) {
	model := Wallet{
		WalletID:      record.WalletID,
		DriverID:      record.DriverID,
		SponsorID:     record.SponsorID,
		BalancePoints: record.BalancePoints.Int64(),
		IsPrimary:     record.Primary,
		CreatedAt:     unixToTime(record.CreatedUnixUTC),
		UpdatedAt:     unixToTime(record.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		// Another transaction created the pair first; callers retry.
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeConflict, wallet.ErrConcurrencyConflict)
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return mapWallet(model), nil
}

func (store *Store) UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", walletID).
		Updates(map[string]interface{}{
			"balance_points": balancePoints,
			"updated_at":     unixToTime(updatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, wallet.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) DeleteWallet(ctx context.Context, walletID string) error {
	result := store.db.WithContext(ctx).Where("wallet_id = ?", walletID).Delete(&Wallet{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, wallet.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) ListWallets(ctx context.Context, driverID string) ([]wallet.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Where("driver_id = ?", driverID).
		Order("created_at ASC, wallet_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return mapWallets(rows), nil
}

func (store *Store) ListWalletsForUpdate(ctx context.Context, driverID string) ([]wallet.Wallet, error) {
	var rows []Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("driver_id = ? AND balance_points > 0", driverID).
		Order("wallet_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return mapWallets(rows), nil
}

func (store *Store) SumDriverBalance(ctx context.Context, driverID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Select("coalesce(sum(balance_points),0) as total").
		Where("driver_id = ?", driverID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumBalance, err)
	}
	return sum.Total, nil
}

func (store *Store) ClearPrimary(ctx context.Context, driverID string) error {
	err := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("driver_id = ? AND is_primary = ?", driverID, true).
		Update("is_primary", false).Error
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdatePrimary, err)
	}
	return nil
}

func (store *Store) MarkPrimary(ctx context.Context, walletID string) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", walletID).
		Update("is_primary", true)
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectWallet, errorCodeConflict, wallet.ErrConcurrencyConflict)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdatePrimary, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdatePrimary, wallet.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction wallet.Transaction) error {
	model := WalletTransaction{
		TransactionID: transaction.TransactionID,
		WalletID:      transaction.WalletID,
		DriverID:      transaction.DriverID,
		SponsorID:     transaction.SponsorID,
		Type:          transaction.Type.String(),
		AmountPoints:  transaction.AmountPoints.Int64(),
		Reason:        transaction.Reason,
		ActorID:       optionalString(transaction.ActorID),
		OrderID:       optionalString(transaction.OrderID),
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     unixToTime(transaction.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry wallet.LedgerEntry) error {
	model := LedgerEntry{
		EntryID:            entry.EntryID,
		DriverID:           entry.DriverID,
		DeltaPoints:        entry.DeltaPoints.Int64(),
		Reason:             entry.Reason,
		BalanceAfterPoints: entry.BalanceAfterPoints.Int64(),
		CreatedAt:          unixToTime(entry.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, filter wallet.TransactionFilter, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	query := store.db.WithContext(ctx).Model(&WalletTransaction{})
	if filter.WalletID != "" {
		query = query.Where("wallet_id = ?", filter.WalletID)
	}
	if filter.DriverID != "" {
		query = query.Where("driver_id = ?", filter.DriverID)
	}
	if filter.OrderID != "" {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type.String())
	}
	query = query.Where("created_at < ?", beforeOrNow(beforeUnixUTC)).
		Order("created_at DESC, transaction_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []WalletTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}

	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]wallet.LedgerEntry, error) {
	query := store.db.WithContext(ctx).
		Where("driver_id = ? AND created_at < ?", driverID, beforeOrNow(beforeUnixUTC)).
		Order("created_at DESC, entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}

	entries := make([]wallet.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, wallet.LedgerEntry{
			EntryID:            row.EntryID,
			DriverID:           row.DriverID,
			DeltaPoints:        wallet.Points(row.DeltaPoints),
			Reason:             row.Reason,
			BalanceAfterPoints: wallet.Points(row.BalanceAfterPoints),
			CreatedUnixUTC:     row.CreatedAt.Unix(),
		})
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapWallet(row Wallet) wallet.Wallet {
	return wallet.Wallet{
		WalletID:       row.WalletID,
		DriverID:       row.DriverID,
		SponsorID:      row.SponsorID,
		BalancePoints:  wallet.Points(row.BalancePoints),
		Primary:        row.IsPrimary,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapWallets(rows []Wallet) []wallet.Wallet {
	records := make([]wallet.Wallet, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapWallet(row))
	}
	return records
}

func mapTransaction(row WalletTransaction) (wallet.Transaction, error) {
	transactionType, err := wallet.ParseTransactionType(row.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	return wallet.Transaction{
		TransactionID:  row.TransactionID,
		WalletID:       row.WalletID,
		DriverID:       row.DriverID,
		SponsorID:      row.SponsorID,
		Type:           transactionType,
		AmountPoints:   wallet.Points(row.AmountPoints),
		Reason:         row.Reason,
		ActorID:        stringOrEmpty(row.ActorID),
		OrderID:        stringOrEmpty(row.OrderID),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func beforeOrNow(beforeUnixUTC int64) time.Time {
	if beforeUnixUTC == 0 {
		return time.Now().UTC().Add(time.Second)
	}
	return time.Unix(beforeUnixUTC, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isConcurrencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
