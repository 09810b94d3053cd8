package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubState is the mutable data behind stubStore. WithTx snapshots it so a
// failed transaction restores every record, mimicking a rollback.
type stubState struct {
	wallets      map[string]Wallet
	transactions []Transaction
	ledger       []LedgerEntry
	nextID       int
}

func newStubState() *stubState {
	return &stubState{wallets: map[string]Wallet{}}
}

func (state *stubState) clone() *stubState {
	wallets := make(map[string]Wallet, len(state.wallets))
	for id, record := range state.wallets {
		wallets[id] = record
	}
	transactions := make([]Transaction, len(state.transactions))
	copy(transactions, state.transactions)
	ledger := make([]LedgerEntry, len(state.ledger))
	copy(ledger, state.ledger)
	return &stubState{
		wallets:      wallets,
		transactions: transactions,
		ledger:       ledger,
		nextID:       state.nextID,
	}
}

// stubStore implements Store in memory for service tests. WithTx serializes
// callers on a mutex, standing in for row-level locks.
type stubStore struct {
	mu    sync.Mutex
	state *stubState

	getWalletError            error
	createWalletError         error
	updateBalanceError        error
	deleteWalletError         error
	listWalletsError          error
	listWalletsForUpdateError error
	sumDriverBalanceError     error
	clearPrimaryError         error
	markPrimaryError          error
	insertTransactionError    error
	insertLedgerEntryError    error
	listTransactionsError     error
	listLedgerEntriesError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: newStubState()}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &stubTxStore{store: store}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getWalletForUpdate(driverID, sponsorID)
}

func (store *stubStore) CreateWallet(ctx context.Context, record Wallet) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.createWallet(record)
}

func (store *stubStore) UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.updateWalletBalance(walletID, balancePoints, updatedUnixUTC)
}

func (store *stubStore) DeleteWallet(ctx context.Context, walletID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.deleteWallet(walletID)
}

func (store *stubStore) ListWallets(ctx context.Context, driverID string) ([]Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listWallets(driverID)
}

func (store *stubStore) ListWalletsForUpdate(ctx context.Context, driverID string) ([]Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listWalletsForUpdate(driverID)
}

func (store *stubStore) SumDriverBalance(ctx context.Context, driverID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.sumDriverBalance(driverID)
}

func (store *stubStore) ClearPrimary(ctx context.Context, driverID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.clearPrimary(driverID)
}

func (store *stubStore) MarkPrimary(ctx context.Context, walletID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.markPrimary(walletID)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertTransaction(transaction)
}

func (store *stubStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.insertLedgerEntry(entry)
}

func (store *stubStore) ListTransactions(ctx context.Context, filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listTransactions(filter, beforeUnixUTC, limit)
}

func (store *stubStore) ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listLedgerEntries(driverID, beforeUnixUTC, limit)
}

// stubTxStore reuses the already-locked store inside WithTx.
type stubTxStore struct {
	store *stubStore
}

func (tx *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTxStore) GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (Wallet, error) {
	return tx.store.getWalletForUpdate(driverID, sponsorID)
}

func (tx *stubTxStore) CreateWallet(ctx context.Context, record Wallet) (Wallet, error) {
	return tx.store.createWallet(record)
}

func (tx *stubTxStore) UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error {
	return tx.store.updateWalletBalance(walletID, balancePoints, updatedUnixUTC)
}

func (tx *stubTxStore) DeleteWallet(ctx context.Context, walletID string) error {
	return tx.store.deleteWallet(walletID)
}

func (tx *stubTxStore) ListWallets(ctx context.Context, driverID string) ([]Wallet, error) {
	return tx.store.listWallets(driverID)
}

func (tx *stubTxStore) ListWalletsForUpdate(ctx context.Context, driverID string) ([]Wallet, error) {
	return tx.store.listWalletsForUpdate(driverID)
}

func (tx *stubTxStore) SumDriverBalance(ctx context.Context, driverID string) (int64, error) {
	return tx.store.sumDriverBalance(driverID)
}

func (tx *stubTxStore) ClearPrimary(ctx context.Context, driverID string) error {
	return tx.store.clearPrimary(driverID)
}

func (tx *stubTxStore) MarkPrimary(ctx context.Context, walletID string) error {
	return tx.store.markPrimary(walletID)
}

func (tx *stubTxStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	return tx.store.insertTransaction(transaction)
}

func (tx *stubTxStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	return tx.store.insertLedgerEntry(entry)
}

func (tx *stubTxStore) ListTransactions(ctx context.Context, filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return tx.store.listTransactions(filter, beforeUnixUTC, limit)
}

func (tx *stubTxStore) ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return tx.store.listLedgerEntries(driverID, beforeUnixUTC, limit)
}

func (store *stubStore) getWalletForUpdate(driverID string, sponsorID string) (Wallet, error) {
	if store.getWalletError != nil {
		return Wallet{}, store.getWalletError
	}
	for _, record := range store.state.wallets {
		if record.DriverID == driverID && record.SponsorID == sponsorID {
			return record, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (store *stubStore) createWallet(record Wallet) (Wallet, error) {
	if store.createWalletError != nil {
		return Wallet{}, store.createWalletError
	}
	store.state.nextID++
	record.WalletID = fmt.Sprintf("wallet-%03d", store.state.nextID)
	store.state.wallets[record.WalletID] = record
	return record, nil
}

func (store *stubStore) updateWalletBalance(walletID string, balancePoints int64, updatedUnixUTC int64) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	record, ok := store.state.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	record.BalancePoints = Points(balancePoints)
	record.UpdatedUnixUTC = updatedUnixUTC
	store.state.wallets[walletID] = record
	return nil
}

func (store *stubStore) deleteWallet(walletID string) error {
	if store.deleteWalletError != nil {
		return store.deleteWalletError
	}
	if _, ok := store.state.wallets[walletID]; !ok {
		return ErrWalletNotFound
	}
	delete(store.state.wallets, walletID)
	return nil
}

func (store *stubStore) listWallets(driverID string) ([]Wallet, error) {
	if store.listWalletsError != nil {
		return nil, store.listWalletsError
	}
	var records []Wallet
	for _, record := range store.state.wallets {
		if record.DriverID == driverID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(left, right int) bool {
		if records[left].CreatedUnixUTC != records[right].CreatedUnixUTC {
			return records[left].CreatedUnixUTC < records[right].CreatedUnixUTC
		}
		return records[left].WalletID < records[right].WalletID
	})
	return records, nil
}

func (store *stubStore) listWalletsForUpdate(driverID string) ([]Wallet, error) {
	if store.listWalletsForUpdateError != nil {
		return nil, store.listWalletsForUpdateError
	}
	var records []Wallet
	for _, record := range store.state.wallets {
		if record.DriverID == driverID && record.BalancePoints > 0 {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].WalletID < records[right].WalletID
	})
	return records, nil
}

func (store *stubStore) sumDriverBalance(driverID string) (int64, error) {
	if store.sumDriverBalanceError != nil {
		return 0, store.sumDriverBalanceError
	}
	var total int64
	for _, record := range store.state.wallets {
		if record.DriverID == driverID {
			total += record.BalancePoints.Int64()
		}
	}
	return total, nil
}

func (store *stubStore) clearPrimary(driverID string) error {
	if store.clearPrimaryError != nil {
		return store.clearPrimaryError
	}
	for id, record := range store.state.wallets {
		if record.DriverID == driverID && record.Primary {
			record.Primary = false
			store.state.wallets[id] = record
		}
	}
	return nil
}

func (store *stubStore) markPrimary(walletID string) error {
	if store.markPrimaryError != nil {
		return store.markPrimaryError
	}
	record, ok := store.state.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	record.Primary = true
	store.state.wallets[walletID] = record
	return nil
}

func (store *stubStore) insertTransaction(transaction Transaction) error {
	if store.insertTransactionError != nil {
		return store.insertTransactionError
	}
	store.state.nextID++
	transaction.TransactionID = fmt.Sprintf("txn-%03d", store.state.nextID)
	store.state.transactions = append(store.state.transactions, transaction)
	return nil
}

func (store *stubStore) insertLedgerEntry(entry LedgerEntry) error {
	if store.insertLedgerEntryError != nil {
		return store.insertLedgerEntryError
	}
	store.state.nextID++
	entry.EntryID = fmt.Sprintf("entry-%03d", store.state.nextID)
	store.state.ledger = append(store.state.ledger, entry)
	return nil
}

func (store *stubStore) listTransactions(filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listTransactionsError != nil {
		return nil, store.listTransactionsError
	}
	var matched []Transaction
	for _, transaction := range store.state.transactions {
		if filter.WalletID != "" && transaction.WalletID != filter.WalletID {
			continue
		}
		if filter.DriverID != "" && transaction.DriverID != filter.DriverID {
			continue
		}
		if filter.OrderID != "" && transaction.OrderID != filter.OrderID {
			continue
		}
		if filter.Type != "" && transaction.Type != filter.Type {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) listLedgerEntries(driverID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	if store.listLedgerEntriesError != nil {
		return nil, store.listLedgerEntriesError
	}
	var matched []LedgerEntry
	for _, entry := range store.state.ledger {
		if entry.DriverID != driverID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, entry)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) mustWallet(test *testing.T, driverID string, sponsorID string) Wallet {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	record, err := store.getWalletForUpdate(driverID, sponsorID)
	if err != nil {
		test.Fatalf("wallet %s/%s: %v", driverID, sponsorID, err)
	}
	return record
}

func (store *stubStore) seedWallet(test *testing.T, driverID string, sponsorID string, balance int64, createdUnixUTC int64) Wallet {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	record, err := store.createWallet(Wallet{
		DriverID:       driverID,
		SponsorID:      sponsorID,
		BalancePoints:  Points(balance),
		CreatedUnixUTC: createdUnixUTC,
		UpdatedUnixUTC: createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("seed wallet: %v", err)
	}
	return record
}
