package wallet

import (
	"context"
	"fmt"
	"sort"
)

// Allocate drains the driver's wallets to cover totalCost, largest balance
// first (ties broken by wallet creation order), as one atomic unit. If the
// driver's wallets cannot cover the cost in aggregate, no wallet is touched
// and the error reports the shortfall. The returned allocations sum to
// totalCost exactly.
func (service *Service) Allocate(requestContext context.Context, driverID DriverID, totalCost Points, orderID OrderID) ([]Allocation, error) {
	if totalCost < 0 {
		return nil, fmt.Errorf("%w: total cost must not be negative", ErrInvalidAmountPoints)
	}
	if totalCost == 0 {
		return []Allocation{}, nil
	}
	reason := checkoutReason(orderID)
	order := orderID.String()
	var allocations []Allocation
	var changes []BalanceChange
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		// Lock every candidate wallet up front, in ascending wallet-ID
		// order, so two racing allocations over overlapping wallet sets
		// cannot deadlock.
		wallets, err := transactionStore.ListWalletsForUpdate(ctx, driverID.String())
		if err != nil {
			return err
		}
		var available Points
		for _, record := range wallets {
			available += record.BalancePoints
		}
		if available < totalCost {
			return ShortfallError{NeedPoints: totalCost, HavePoints: available}
		}
		planned := planDrainOrder(wallets)
		remaining := totalCost
		for _, record := range planned {
			if remaining == 0 {
				break
			}
			take := record.BalancePoints
			if take > remaining {
				take = remaining
			}
			outcome, err := service.applyDeltaTx(ctx, transactionStore, deltaRequest{
				driverID:  driverID.String(),
				sponsorID: record.SponsorID,
				delta:     -take.Int64(),
				reason:    reason,
				orderID:   order,
			})
			if err != nil {
				return err
			}
			allocations = append(allocations, Allocation{
				WalletID:     record.WalletID,
				SponsorID:    record.SponsorID,
				AmountPoints: take,
			})
			changes = append(changes, BalanceChange{
				DriverID:       driverID.String(),
				SponsorID:      record.SponsorID,
				DeltaPoints:    -take,
				Reason:         reason,
				NewTotalPoints: outcome.driverTotal,
			})
			remaining -= take
		}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationAllocate,
		DriverID:  driverID.String(),
		OrderID:   order,
		Delta:     -totalCost,
		Reason:    reason,
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	for _, change := range changes {
		service.dispatchBalanceChanged(requestContext, change)
	}
	return allocations, nil
}

// ReverseAllocation credits back every wallet the exact amount it was debited
// for the order, one credit per original debit, atomically. Reversing an order
// twice fails with ErrOrderAlreadyReversed.
func (service *Service) ReverseAllocation(requestContext context.Context, driverID DriverID, orderID OrderID, reason Reason) error {
	order := orderID.String()
	var changes []BalanceChange
	var reversedTotal Points
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		transactions, err := listOrderTransactions(ctx, transactionStore, driverID.String(), order)
		if err != nil {
			return err
		}
		var debits []Transaction
		for _, transaction := range transactions {
			switch transaction.Type {
			case TransactionCredit:
				return ErrOrderAlreadyReversed
			case TransactionDebit:
				debits = append(debits, transaction)
			}
		}
		if len(debits) == 0 {
			return ErrUnknownOrder
		}
		// Same lock-ordering rule as Allocate: touch wallets in ascending
		// wallet-ID order.
		sort.Slice(debits, func(left, right int) bool {
			return debits[left].WalletID < debits[right].WalletID
		})
		for _, debit := range debits {
			outcome, err := service.applyDeltaTx(ctx, transactionStore, deltaRequest{
				driverID:    driverID.String(),
				sponsorID:   debit.SponsorID,
				delta:       debit.AmountPoints.Int64(),
				reason:      reason.String(),
				orderID:     order,
				allowCreate: true,
			})
			if err != nil {
				return err
			}
			reversedTotal += debit.AmountPoints
			changes = append(changes, BalanceChange{
				DriverID:       driverID.String(),
				SponsorID:      debit.SponsorID,
				DeltaPoints:    debit.AmountPoints,
				Reason:         reason.String(),
				NewTotalPoints: outcome.driverTotal,
			})
		}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation: operationReverseAllocation,
		DriverID:  driverID.String(),
		OrderID:   order,
		Delta:     reversedTotal,
		Reason:    reason.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return operationError
	}
	for _, change := range changes {
		service.dispatchBalanceChanged(requestContext, change)
	}
	return nil
}

// listOrderTransactions fetches every transaction tagged with the order.
// Orders can span more debits than one page; timestamps are not unique enough
// for cursor paging, so the window grows until the listing comes back whole.
func listOrderTransactions(ctx context.Context, transactionStore Store, driverID string, orderID string) ([]Transaction, error) {
	filter := TransactionFilter{DriverID: driverID, OrderID: orderID}
	limit := maxListLimit
	for {
		transactions, err := transactionStore.ListTransactions(ctx, filter, 0, limit)
		if err != nil {
			return nil, err
		}
		if len(transactions) < limit {
			return transactions, nil
		}
		limit *= 2
	}
}

// planDrainOrder sorts wallets largest balance first, ties broken by creation
// time then wallet ID, so allocation order is deterministic.
func planDrainOrder(wallets []Wallet) []Wallet {
	planned := make([]Wallet, len(wallets))
	copy(planned, wallets)
	sort.SliceStable(planned, func(left, right int) bool {
		if planned[left].BalancePoints != planned[right].BalancePoints {
			return planned[left].BalancePoints > planned[right].BalancePoints
		}
		if planned[left].CreatedUnixUTC != planned[right].CreatedUnixUTC {
			return planned[left].CreatedUnixUTC < planned[right].CreatedUnixUTC
		}
		return planned[left].WalletID < planned[right].WalletID
	})
	return planned
}

func checkoutReason(orderID OrderID) string {
	return fmt.Sprintf("checkout order %s", orderID.String())
}
