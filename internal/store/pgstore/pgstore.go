package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trucklane/points/pkg/wallet"
)

const (
	pgUniqueViolationCode  = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	errorOperationStore    = "store"
	errorSubjectWallet     = "wallet"
	errorSubjectBalance    = "balance"
	errorSubjectTxn        = "transaction"
	errorSubjectLedger     = "ledger_entry"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
	errorCodeConflict      = "conflict"
	errorCodeCreate        = "create"
	errorCodeDelete        = "delete"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeSumBalance    = "sum_balance"
	errorCodeUpdateBalance = "update_balance"
	errorCodeUpdatePrimary = "update_primary"

	errorCodeMigrate = "migrate"

	sqlSelectWalletForUpdate = `
		select wallet_id::text, driver_id, sponsor_id, balance_points, is_primary,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from wallets
		where driver_id = $1 and sponsor_id = $2
		for update
	`

	sqlInsertWallet = `
		insert into wallets(wallet_id, driver_id, sponsor_id, balance_points, is_primary, created_at, updated_at)
		values (gen_random_uuid(), $1, $2, $3, $4, to_timestamp($5), to_timestamp($6))
		returning wallet_id::text
	`

	sqlUpdateWalletBalance = `
		update wallets
		set balance_points = $2, updated_at = to_timestamp($3)
		where wallet_id = $1
	`

	sqlDeleteWallet = `
		delete from wallets where wallet_id = $1
	`

	sqlListWallets = `
		select wallet_id::text, driver_id, sponsor_id, balance_points, is_primary,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from wallets
		where driver_id = $1
		order by created_at asc, wallet_id asc
	`

	sqlListWalletsForUpdate = `
		select wallet_id::text, driver_id, sponsor_id, balance_points, is_primary,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from wallets
		where driver_id = $1 and balance_points > 0
		order by wallet_id asc
		for update
	`

	sqlSumDriverBalance = `
		select coalesce(sum(balance_points),0) from wallets where driver_id = $1
	`

	sqlClearPrimary = `
		update wallets set is_primary = false where driver_id = $1 and is_primary
	`

	sqlMarkPrimary = `
		update wallets set is_primary = true where wallet_id = $1
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			transaction_id, wallet_id, driver_id, sponsor_id, type, amount_points,
			reason, actor_id, order_id, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			$6, nullif($7,''), nullif($8,''),
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlInsertLedgerEntry = `
		insert into ledger_entries(entry_id, driver_id, delta_points, reason, balance_after_points, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, to_timestamp($5))
	`

	sqlListLedgerEntries = `
		select entry_id::text, driver_id, delta_points, reason, balance_after_points,
			extract(epoch from created_at)::bigint
		from ledger_entries
		where driver_id = $1 and ($2 = 0 or created_at < to_timestamp($2))
		order by created_at desc, entry_id desc
		limit $3
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries holds the data-access methods shared by Store and TxStore.
type queries struct {
	db querier
}

// Store implements wallet.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements wallet.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// migrationStatements create the schema. The partial unique index on
// (driver_id) where is_primary keeps the one-primary-per-driver invariant
// under concurrent first-wallet creation.
var migrationStatements = []string{
	`create table if not exists wallets (
		wallet_id uuid primary key default gen_random_uuid(),
		driver_id text not null,
		sponsor_id text not null,
		balance_points bigint not null,
		is_primary boolean not null,
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
	`create unique index if not exists idx_wallets_driver_sponsor on wallets (driver_id, sponsor_id)`,
	`create unique index if not exists idx_wallets_driver_primary on wallets (driver_id) where is_primary`,
	`create table if not exists wallet_transactions (
		transaction_id uuid primary key default gen_random_uuid(),
		wallet_id uuid not null,
		driver_id text not null,
		sponsor_id text not null,
		type text not null,
		amount_points bigint not null,
		reason text not null,
		actor_id text,
		order_id text,
		metadata jsonb not null,
		created_at timestamptz not null
	)`,
	`create index if not exists idx_transactions_wallet_created on wallet_transactions (wallet_id, created_at)`,
	`create index if not exists idx_transactions_driver_created on wallet_transactions (driver_id, created_at)`,
	`create index if not exists idx_transactions_order on wallet_transactions (order_id)`,
	`create table if not exists ledger_entries (
		entry_id uuid primary key default gen_random_uuid(),
		driver_id text not null,
		delta_points bigint not null,
		reason text not null,
		balance_after_points bigint not null,
		created_at timestamptz not null
	)`,
	`create index if not exists idx_ledger_driver_created on ledger_entries (driver_id, created_at)`,
}

// Migrate creates or updates the schema.
func (store *Store) Migrate(ctx context.Context) error {
	for _, statement := range migrationStatements {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectWallet, errorCodeMigrate, err)
		}
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		if isConcurrencyConflict(err) {
			return wrapStoreError(errorSubjectTxn, errorCodeConflict, wallet.ErrConcurrencyConflict)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isConcurrencyConflict(err) {
			return wrapStoreError(errorSubjectTxn, errorCodeConflict, wallet.ErrConcurrencyConflict)
		}
		return wrapStoreError(errorSubjectTxn, errorCodeCommit, err)
	}
	return nil
}

// WithTx on an already-open transaction reuses it.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (q queries) GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (wallet.Wallet, error) {
	record, err := scanWallet(q.db.QueryRow(ctx, sqlSelectWalletForUpdate, driverID, sponsorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrWalletNotFound)
		}
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return record, nil
}

func (q queries) CreateWallet(ctx context.Context, record wallet.Wallet) (wallet.Wallet, error) {
	var walletID string
	err := q.db.QueryRow(ctx, sqlInsertWallet,
		record.DriverID,
		record.SponsorID,
		record.BalancePoints.Int64(),
		record.Primary,
		record.CreatedUnixUTC,
		record.UpdatedUnixUTC,
	).Scan(&walletID)
	if isUniqueViolation(err) {
		// Another transaction created the pair first; callers retry.
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeConflict, wallet.ErrConcurrencyConflict)
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	record.WalletID = walletID
	return record, nil
}

func (q queries) UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error {
	tag, err := q.db.Exec(ctx, sqlUpdateWalletBalance, walletID, balancePoints, updatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateBalance, wallet.ErrWalletNotFound)
	}
	return nil
}

func (q queries) DeleteWallet(ctx context.Context, walletID string) error {
	tag, err := q.db.Exec(ctx, sqlDeleteWallet, walletID)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeDelete, wallet.ErrWalletNotFound)
	}
	return nil
}

func (q queries) ListWallets(ctx context.Context, driverID string) ([]wallet.Wallet, error) {
	return q.listWallets(ctx, sqlListWallets, driverID)
}

func (q queries) ListWalletsForUpdate(ctx context.Context, driverID string) ([]wallet.Wallet, error) {
	return q.listWallets(ctx, sqlListWalletsForUpdate, driverID)
}

func (q queries) listWallets(ctx context.Context, query string, driverID string) ([]wallet.Wallet, error) {
	rows, err := q.db.Query(ctx, query, driverID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()

	var records []wallet.Wallet
	for rows.Next() {
		record, err := scanWallet(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return records, nil
}

func (q queries) SumDriverBalance(ctx context.Context, driverID string) (int64, error) {
	var total int64
	if err := q.db.QueryRow(ctx, sqlSumDriverBalance, driverID).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumBalance, err)
	}
	return total, nil
}

func (q queries) ClearPrimary(ctx context.Context, driverID string) error {
	if _, err := q.db.Exec(ctx, sqlClearPrimary, driverID); err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdatePrimary, err)
	}
	return nil
}

func (q queries) MarkPrimary(ctx context.Context, walletID string) error {
	tag, err := q.db.Exec(ctx, sqlMarkPrimary, walletID)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectWallet, errorCodeConflict, wallet.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdatePrimary, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdatePrimary, wallet.ErrWalletNotFound)
	}
	return nil
}

func (q queries) InsertTransaction(ctx context.Context, transaction wallet.Transaction) error {
	_, err := q.db.Exec(ctx, sqlInsertTransaction,
		transaction.WalletID,
		transaction.DriverID,
		transaction.SponsorID,
		transaction.Type.String(),
		transaction.AmountPoints.Int64(),
		transaction.Reason,
		transaction.ActorID,
		transaction.OrderID,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	return nil
}

func (q queries) InsertLedgerEntry(ctx context.Context, entry wallet.LedgerEntry) error {
	_, err := q.db.Exec(ctx, sqlInsertLedgerEntry,
		entry.DriverID,
		entry.DeltaPoints.Int64(),
		entry.Reason,
		entry.BalanceAfterPoints.Int64(),
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListTransactions(ctx context.Context, filter wallet.TransactionFilter, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	query, args := buildTransactionQuery(filter, beforeUnixUTC, limit)
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	defer rows.Close()

	var transactions []wallet.Transaction
	for rows.Next() {
		var (
			record       wallet.Transaction
			rawType      string
			actorID      *string
			orderID      *string
			metadataJSON string
		)
		err := rows.Scan(
			&record.TransactionID,
			&record.WalletID,
			&record.DriverID,
			&record.SponsorID,
			&rawType,
			&record.AmountPoints,
			&record.Reason,
			&actorID,
			&orderID,
			&metadataJSON,
			&record.CreatedUnixUTC,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
		}
		transactionType, err := wallet.ParseTransactionType(rawType)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
		}
		record.Type = transactionType
		if actorID != nil {
			record.ActorID = *actorID
		}
		if orderID != nil {
			record.OrderID = *orderID
		}
		record.MetadataJSON = metadataJSON
		transactions = append(transactions, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTxn, errorCodeList, err)
	}
	return transactions, nil
}

func (q queries) ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]wallet.LedgerEntry, error) {
	rows, err := q.db.Query(ctx, sqlListLedgerEntries, driverID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()

	var entries []wallet.LedgerEntry
	for rows.Next() {
		var entry wallet.LedgerEntry
		err := rows.Scan(
			&entry.EntryID,
			&entry.DriverID,
			&entry.DeltaPoints,
			&entry.Reason,
			&entry.BalanceAfterPoints,
			&entry.CreatedUnixUTC,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return entries, nil
}

// buildTransactionQuery assembles the filtered listing statement. Only the
// filter fields that are set become predicates.
func buildTransactionQuery(filter wallet.TransactionFilter, beforeUnixUTC int64, limit int) (string, []any) {
	var conditions []string
	var args []any
	addCondition := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.WalletID != "" {
		addCondition("wallet_id", filter.WalletID)
	}
	if filter.DriverID != "" {
		addCondition("driver_id", filter.DriverID)
	}
	if filter.OrderID != "" {
		addCondition("order_id", filter.OrderID)
	}
	if filter.Type != "" {
		addCondition("type", filter.Type.String())
	}
	if beforeUnixUTC != 0 {
		args = append(args, beforeUnixUTC)
		conditions = append(conditions, fmt.Sprintf("created_at < to_timestamp($%d)", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "where " + strings.Join(conditions, " and ")
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		select transaction_id::text, wallet_id::text, driver_id, sponsor_id, type, amount_points,
			reason, actor_id, order_id, coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from wallet_transactions
		%s
		order by created_at desc, transaction_id desc
		limit $%d
	`, where, len(args))
	return query, args
}

func scanWallet(row pgx.Row) (wallet.Wallet, error) {
	var record wallet.Wallet
	err := row.Scan(
		&record.WalletID,
		&record.DriverID,
		&record.SponsorID,
		&record.BalancePoints,
		&record.Primary,
		&record.CreatedUnixUTC,
		&record.UpdatedUnixUTC,
	)
	if err != nil {
		return wallet.Wallet{}, err
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
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
