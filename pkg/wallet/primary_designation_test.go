package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// rendezvous blocks callers until two of them have arrived; later callers
// pass straight through.
type rendezvous struct {
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newRendezvous() *rendezvous {
	return &rendezvous{release: make(chan struct{})}
}

func (barrier *rendezvous) wait() {
	barrier.mu.Lock()
	barrier.arrived++
	if barrier.arrived == 2 {
		close(barrier.release)
	}
	barrier.mu.Unlock()
	<-barrier.release
}

// readCommittedStore buffers writes per transaction and applies them only at
// commit, so concurrent transactions never observe each other's uncommitted
// rows. Commit enforces the partial unique index on (driver_id) where primary
// that both SQL stores carry, surfacing ErrConcurrencyConflict to the loser.
type readCommittedStore struct {
	mu        sync.Mutex
	committed map[string]Wallet
	nextID    int
	barrier   *rendezvous
}

func newReadCommittedStore() *readCommittedStore {
	return &readCommittedStore{
		committed: map[string]Wallet{},
		barrier:   newRendezvous(),
	}
}

func (store *readCommittedStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := &readCommittedTx{store: store, updated: map[string]Wallet{}}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	return store.commit(transaction)
}

func (store *readCommittedStore) commit(transaction *readCommittedTx) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range transaction.created {
		if record.Primary && store.hasPrimaryLocked(record.DriverID) {
			return ErrConcurrencyConflict
		}
	}
	for _, record := range transaction.created {
		store.committed[record.WalletID] = record
	}
	for id, record := range transaction.updated {
		store.committed[id] = record
	}
	return nil
}

func (store *readCommittedStore) hasPrimaryLocked(driverID string) bool {
	for _, record := range store.committed {
		if record.DriverID == driverID && record.Primary {
			return true
		}
	}
	return false
}

func (store *readCommittedStore) committedWallets(driverID string) []Wallet {
	store.mu.Lock()
	defer store.mu.Unlock()
	var records []Wallet
	for _, record := range store.committed {
		if record.DriverID == driverID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].WalletID < records[right].WalletID
	})
	return records
}

func (store *readCommittedStore) nextWalletID() string {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.nextID++
	return fmt.Sprintf("wallet-%03d", store.nextID)
}

// Reads outside a transaction are not exercised by this test.

func (store *readCommittedStore) GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (Wallet, error) {
	return Wallet{}, ErrWalletNotFound
}
func (store *readCommittedStore) CreateWallet(ctx context.Context, record Wallet) (Wallet, error) {
	return Wallet{}, ErrConcurrencyConflict
}
func (store *readCommittedStore) UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error {
	return nil
}
func (store *readCommittedStore) DeleteWallet(ctx context.Context, walletID string) error { return nil }
func (store *readCommittedStore) ListWallets(ctx context.Context, driverID string) ([]Wallet, error) {
	return store.committedWallets(driverID), nil
}
func (store *readCommittedStore) ListWalletsForUpdate(ctx context.Context, driverID string) ([]Wallet, error) {
	return store.committedWallets(driverID), nil
}
func (store *readCommittedStore) SumDriverBalance(ctx context.Context, driverID string) (int64, error) {
	var total int64
	for _, record := range store.committedWallets(driverID) {
		total += record.BalancePoints.Int64()
	}
	return total, nil
}
func (store *readCommittedStore) ClearPrimary(ctx context.Context, driverID string) error {
	return nil
}
func (store *readCommittedStore) MarkPrimary(ctx context.Context, walletID string) error { return nil }
func (store *readCommittedStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	return nil
}
func (store *readCommittedStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	return nil
}
func (store *readCommittedStore) ListTransactions(ctx context.Context, filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return nil, nil
}
func (store *readCommittedStore) ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return nil, nil
}

// readCommittedTx sees committed rows plus its own buffered writes.
type readCommittedTx struct {
	store   *readCommittedStore
	created []Wallet
	updated map[string]Wallet
}

func (transaction *readCommittedTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *readCommittedTx) visibleWallets(driverID string) []Wallet {
	records := transaction.store.committedWallets(driverID)
	for _, record := range transaction.created {
		if record.DriverID == driverID {
			records = append(records, record)
		}
	}
	for index, record := range records {
		if updated, ok := transaction.updated[record.WalletID]; ok {
			records[index] = updated
		}
	}
	return records
}

func (transaction *readCommittedTx) GetWalletForUpdate(ctx context.Context, driverID string, sponsorID string) (Wallet, error) {
	for _, record := range transaction.visibleWallets(driverID) {
		if record.SponsorID == sponsorID {
			return record, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (transaction *readCommittedTx) CreateWallet(ctx context.Context, record Wallet) (Wallet, error) {
	record.WalletID = transaction.store.nextWalletID()
	transaction.created = append(transaction.created, record)
	return record, nil
}

func (transaction *readCommittedTx) UpdateWalletBalance(ctx context.Context, walletID string, balancePoints int64, updatedUnixUTC int64) error {
	for index, record := range transaction.created {
		if record.WalletID == walletID {
			record.BalancePoints = Points(balancePoints)
			record.UpdatedUnixUTC = updatedUnixUTC
			transaction.created[index] = record
			return nil
		}
	}
	transaction.store.mu.Lock()
	record, ok := transaction.store.committed[walletID]
	transaction.store.mu.Unlock()
	if !ok {
		return ErrWalletNotFound
	}
	record.BalancePoints = Points(balancePoints)
	record.UpdatedUnixUTC = updatedUnixUTC
	transaction.updated[walletID] = record
	return nil
}

func (transaction *readCommittedTx) DeleteWallet(ctx context.Context, walletID string) error {
	return nil
}

// ListWallets is the first-wallet primary decision point; the barrier holds
// both racing transactions here until each has taken its (empty) snapshot.
func (transaction *readCommittedTx) ListWallets(ctx context.Context, driverID string) ([]Wallet, error) {
	records := transaction.visibleWallets(driverID)
	transaction.store.barrier.wait()
	return records, nil
}

func (transaction *readCommittedTx) ListWalletsForUpdate(ctx context.Context, driverID string) ([]Wallet, error) {
	return transaction.visibleWallets(driverID), nil
}

func (transaction *readCommittedTx) SumDriverBalance(ctx context.Context, driverID string) (int64, error) {
	var total int64
	for _, record := range transaction.visibleWallets(driverID) {
		total += record.BalancePoints.Int64()
	}
	return total, nil
}

func (transaction *readCommittedTx) ClearPrimary(ctx context.Context, driverID string) error {
	return nil
}
func (transaction *readCommittedTx) MarkPrimary(ctx context.Context, walletID string) error {
	return nil
}
func (transaction *readCommittedTx) InsertTransaction(ctx context.Context, record Transaction) error {
	return nil
}
func (transaction *readCommittedTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	return nil
}
func (transaction *readCommittedTx) ListTransactions(ctx context.Context, filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return nil, nil
}
func (transaction *readCommittedTx) ListLedgerEntries(ctx context.Context, driverID string, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return nil, nil
}

// Two concurrent first credits for the same driver both decide "first wallet,
// make it primary" because neither sees the other's uncommitted row. The
// store's primary constraint must fail one of them, and the retry must come
// back non-primary.
func TestConcurrentFirstCreditsKeepSinglePrimary(test *testing.T) {
	test.Parallel()
	store := newReadCommittedStore()
	service := mustNewService(test, store)
	driverID := mustDriverID(test, "driver-1")

	sponsors := []string{"sponsor-a", "sponsor-b"}
	results := make([]error, len(sponsors))
	var group sync.WaitGroup
	for index, sponsor := range sponsors {
		index, sponsor := index, sponsor
		sponsorID := mustSponsorID(test, sponsor)
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := service.ApplyDelta(context.Background(), driverID, sponsorID, mustDelta(test, 10), mustReason(test, "signup bonus"), nil, nil, MetadataJSON{})
			results[index] = err
		}()
	}
	group.Wait()

	var conflicts, successes int
	var losingSponsor string
	for index, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrConcurrencyConflict):
			conflicts++
			losingSponsor = sponsors[index]
		default:
			test.Fatalf("unexpected error for %s: %v", sponsors[index], err)
		}
	}
	if successes != 1 || conflicts != 1 {
		test.Fatalf("expected one success and one conflict, got %d successes and %d conflicts", successes, conflicts)
	}

	if _, err := service.ApplyDelta(context.Background(), driverID, mustSponsorID(test, losingSponsor), mustDelta(test, 10), mustReason(test, "signup bonus"), nil, nil, MetadataJSON{}); err != nil {
		test.Fatalf("retry after conflict: %v", err)
	}

	wallets := store.committedWallets("driver-1")
	if len(wallets) != 2 {
		test.Fatalf("expected 2 wallets after retry, got %d", len(wallets))
	}
	var primaries int
	for _, record := range wallets {
		if record.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		test.Fatalf("expected exactly one primary wallet, got %d", primaries)
	}
}
