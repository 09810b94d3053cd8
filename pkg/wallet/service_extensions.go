package wallet

import (
	"context"
	"fmt"
)

// SetPrimary makes the (driver, sponsor) wallet the driver's single primary
// wallet. Any other primary designation for the driver is cleared in the same
// transaction. Calling it twice is a no-op the second time.
func (service *Service) SetPrimary(requestContext context.Context, driverID DriverID, sponsorID SponsorID) error {
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetWalletForUpdate(ctx, driverID.String(), sponsorID.String())
		if err != nil {
			return err
		}
		if err := transactionStore.ClearPrimary(ctx, driverID.String()); err != nil {
			return err
		}
		return transactionStore.MarkPrimary(ctx, record.WalletID)
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationSetPrimary,
		DriverID:  driverID.String(),
		SponsorID: sponsorID.String(),
		Error:     operationError,
	})
	return operationError
}

// TerminateSponsorship zeroes the pair's wallet through the ledger and removes
// the wallet record, as one atomic step. Other wallets belonging to the driver
// are untouched. A failed clawback aborts the removal.
func (service *Service) TerminateSponsorship(requestContext context.Context, driverID DriverID, sponsorID SponsorID, terminatedBy ActorID) error {
	var clawedBack Points
	var driverTotal Points
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetWalletForUpdate(ctx, driverID.String(), sponsorID.String())
		if err != nil {
			return err
		}
		if record.BalancePoints > 0 {
			outcome, err := service.applyDeltaTx(ctx, transactionStore, deltaRequest{
				driverID:  driverID.String(),
				sponsorID: sponsorID.String(),
				delta:     -record.BalancePoints.Int64(),
				reason:    fmt.Sprintf("sponsorship terminated by %s", terminatedBy.String()),
				actorID:   terminatedBy.String(),
			})
			if err != nil {
				return err
			}
			clawedBack = record.BalancePoints
			driverTotal = outcome.driverTotal
		}
		return transactionStore.DeleteWallet(ctx, record.WalletID)
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationTerminate,
		DriverID:  driverID.String(),
		SponsorID: sponsorID.String(),
		Delta:     -clawedBack,
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	if clawedBack > 0 {
		service.dispatchBalanceChanged(requestContext, BalanceChange{
			DriverID:       driverID.String(),
			SponsorID:      sponsorID.String(),
			DeltaPoints:    -clawedBack,
			Reason:         fmt.Sprintf("sponsorship terminated by %s", terminatedBy.String()),
			NewTotalPoints: driverTotal,
		})
	}
	return nil
}

// ListTransactions pages through transactions newest first. A zero
// beforeUnixUTC means "from now"; limit is clamped to the service maximum.
func (service *Service) ListTransactions(requestContext context.Context, filter TransactionFilter, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(requestContext, filter, beforeUnixUTC, clampListLimit(limit))
}

// ListLedger pages through the driver's consolidated ledger newest first.
func (service *Service) ListLedger(requestContext context.Context, driverID DriverID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	return service.store.ListLedgerEntries(requestContext, driverID.String(), beforeUnixUTC, clampListLimit(limit))
}
