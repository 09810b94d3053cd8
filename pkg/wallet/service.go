package wallet

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store. It is the sole mutator of
// wallet balances.
type Service struct {
	store    Store
	nowFn    func() int64
	logger   OperationLogger
	notifier BalanceNotifier
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ApplyDelta applies one signed point adjustment to the (driver, sponsor)
// wallet and returns the wallet's new balance. A credit against an absent
// wallet creates it with balance zero inside the same transaction; a debit
// against an absent wallet fails with ErrWalletNotFound. A debit exceeding the
// wallet balance fails with ErrInsufficientBalance and writes nothing.
func (service *Service) ApplyDelta(requestContext context.Context, driverID DriverID, sponsorID SponsorID, delta PointsDelta, reason Reason, actorID *ActorID, orderID *OrderID, metadata MetadataJSON) (Points, error) {
	request := deltaRequest{
		driverID:    driverID.String(),
		sponsorID:   sponsorID.String(),
		delta:       delta.Int64(),
		reason:      reason.String(),
		metadata:    metadata.String(),
		allowCreate: delta.IsCredit(),
	}
	if actorID != nil {
		request.actorID = actorID.String()
	}
	if orderID != nil {
		request.orderID = orderID.String()
	}
	var outcome deltaOutcome
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		result, err := service.applyDeltaTx(ctx, transactionStore, request)
		if err != nil {
			return err
		}
		outcome = result
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationApplyDelta,
		DriverID:  request.driverID,
		SponsorID: request.sponsorID,
		OrderID:   request.orderID,
		Delta:     Points(request.delta),
		Reason:    request.reason,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	service.dispatchBalanceChanged(requestContext, BalanceChange{
		DriverID:       request.driverID,
		SponsorID:      request.sponsorID,
		DeltaPoints:    Points(request.delta),
		Reason:         request.reason,
		NewTotalPoints: outcome.driverTotal,
	})
	return outcome.walletBalance, nil
}

// GetBalance returns the driver's total points summed across all wallets.
func (service *Service) GetBalance(requestContext context.Context, driverID DriverID) (Points, error) {
	total, err := service.store.SumDriverBalance(requestContext, driverID.String())
	if err != nil {
		return 0, err
	}
	return Points(total), nil
}

// ListWallets returns the driver's wallets in creation order.
func (service *Service) ListWallets(requestContext context.Context, driverID DriverID) ([]Wallet, error) {
	return service.store.ListWallets(requestContext, driverID.String())
}

// deltaRequest carries one balance adjustment through the transaction path.
type deltaRequest struct {
	driverID    string
	sponsorID   string
	delta       int64
	reason      string
	actorID     string
	orderID     string
	metadata    string
	allowCreate bool
}

type deltaOutcome struct {
	walletID      string
	walletBalance Points
	driverTotal   Points
}

// applyDeltaTx performs the full adjustment inside an already-open
// transaction: lock or create the wallet row, reject shortfalls before any
// write, persist the balance, the per-wallet transaction, and the
// consolidated ledger entry.
func (service *Service) applyDeltaTx(ctx context.Context, transactionStore Store, request deltaRequest) (deltaOutcome, error) {
	if request.delta == 0 {
		return deltaOutcome{}, ErrInvalidDelta
	}
	record, err := transactionStore.GetWalletForUpdate(ctx, request.driverID, request.sponsorID)
	if err != nil {
		if !errors.Is(err, ErrWalletNotFound) || !request.allowCreate {
			return deltaOutcome{}, err
		}
		record, err = service.createWalletTx(ctx, transactionStore, request.driverID, request.sponsorID)
		if err != nil {
			return deltaOutcome{}, err
		}
	}
	newBalance := record.BalancePoints.Int64() + request.delta
	if newBalance < 0 {
		return deltaOutcome{}, ShortfallError{NeedPoints: Points(-request.delta), HavePoints: record.BalancePoints}
	}
	nowUnixUTC := service.nowFn()
	if err := transactionStore.UpdateWalletBalance(ctx, record.WalletID, newBalance, nowUnixUTC); err != nil {
		return deltaOutcome{}, err
	}
	transactionType := TransactionCredit
	amount := request.delta
	if request.delta < 0 {
		transactionType = TransactionDebit
		amount = -request.delta
	}
	metadata := request.metadata
	if metadata == "" {
		metadata = "{}"
	}
	transaction := Transaction{
		WalletID:       record.WalletID,
		DriverID:       request.driverID,
		SponsorID:      request.sponsorID,
		Type:           transactionType,
		AmountPoints:   Points(amount),
		Reason:         request.reason,
		ActorID:        request.actorID,
		OrderID:        request.orderID,
		MetadataJSON:   metadata,
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
		return deltaOutcome{}, err
	}
	driverTotal, err := transactionStore.SumDriverBalance(ctx, request.driverID)
	if err != nil {
		return deltaOutcome{}, err
	}
	entry := LedgerEntry{
		DriverID:           request.driverID,
		DeltaPoints:        Points(request.delta),
		Reason:             request.reason,
		BalanceAfterPoints: Points(driverTotal),
		CreatedUnixUTC:     nowUnixUTC,
	}
	if err := transactionStore.InsertLedgerEntry(ctx, entry); err != nil {
		return deltaOutcome{}, err
	}
	return deltaOutcome{
		walletID:      record.WalletID,
		walletBalance: Points(newBalance),
		driverTotal:   Points(driverTotal),
	}, nil
}

// createWalletTx provisions a zero-balance wallet for the pair. The driver's
// first wallet becomes the primary one.
func (service *Service) createWalletTx(ctx context.Context, transactionStore Store, driverID string, sponsorID string) (Wallet, error) {
	existing, err := transactionStore.ListWallets(ctx, driverID)
	if err != nil {
		return Wallet{}, err
	}
	nowUnixUTC := service.nowFn()
	record := Wallet{
		DriverID:       driverID,
		SponsorID:      sponsorID,
		BalancePoints:  0,
		Primary:        len(existing) == 0,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	return transactionStore.CreateWallet(ctx, record)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// dispatchBalanceChanged invokes the external hook without blocking the caller.
// Notification failures are logged and swallowed; the financial change stands.
func (service *Service) dispatchBalanceChanged(requestContext context.Context, change BalanceChange) {
	if service.notifier == nil {
		return
	}
	notifyContext := context.WithoutCancel(requestContext)
	go func() {
		if err := service.notifier.NotifyBalanceChanged(notifyContext, change); err != nil {
			service.logOperation(notifyContext, OperationLog{
				Operation: operationNotify,
				DriverID:  change.DriverID,
				SponsorID: change.SponsorID,
				Delta:     change.DeltaPoints,
				Reason:    change.Reason,
				Error:     err,
			})
		}
	}()
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
