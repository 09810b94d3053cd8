package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/trucklane/points/pkg/wallet"
)

func newGrantCommand(cfg *runtimeConfig) *cobra.Command {
	var reason, actor, metadata string
	cmd := &cobra.Command{
		Use:   "grant <driver-id> <sponsor-id> <points>",
		Short: "Credit points to a driver's wallet for one sponsor",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parsePositivePoints(args[2])
			if err != nil {
				return err
			}
			return applyDelta(cmd, cfg, args[0], args[1], amount, reason, actor, metadata)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual grant", "reason recorded on the ledger")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id initiating the grant")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON metadata attached to the transaction")
	return cmd
}

func newSpendCommand(cfg *runtimeConfig) *cobra.Command {
	var reason, actor, metadata string
	cmd := &cobra.Command{
		Use:   "spend <driver-id> <sponsor-id> <points>",
		Short: "Debit points from a driver's wallet for one sponsor",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parsePositivePoints(args[2])
			if err != nil {
				return err
			}
			return applyDelta(cmd, cfg, args[0], args[1], -amount, reason, actor, metadata)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual spend", "reason recorded on the ledger")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id initiating the spend")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON metadata attached to the transaction")
	return cmd
}

func applyDelta(cmd *cobra.Command, cfg *runtimeConfig, rawDriver, rawSponsor string, rawDelta int64, reason, actor, metadata string) error {
	driverID, err := wallet.NewDriverID(rawDriver)
	if err != nil {
		return err
	}
	sponsorID, err := wallet.NewSponsorID(rawSponsor)
	if err != nil {
		return err
	}
	delta, err := wallet.NewPointsDelta(rawDelta)
	if err != nil {
		return err
	}
	deltaReason, err := wallet.NewReason(reason)
	if err != nil {
		return err
	}
	metadataJSON, err := wallet.NewMetadataJSON(metadata)
	if err != nil {
		return err
	}
	var actorID *wallet.ActorID
	if actor != "" {
		parsed, err := wallet.NewActorID(actor)
		if err != nil {
			return err
		}
		actorID = &parsed
	}

	runtime, err := newRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer runtime.cleanup()

	newTotal, err := runtime.service.ApplyDelta(cmd.Context(), driverID, sponsorID, delta, deltaReason, actorID, nil, metadataJSON)
	if err != nil {
		return describeShortfall(err)
	}
	cmd.Printf("driver %s total balance: %d points\n", driverID, newTotal.Int64())
	return nil
}

func newBalanceCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <driver-id>",
		Short: "Show a driver's total balance and per-sponsor wallets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driverID, err := wallet.NewDriverID(args[0])
			if err != nil {
				return err
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			total, err := runtime.service.GetBalance(cmd.Context(), driverID)
			if err != nil {
				return err
			}
			wallets, err := runtime.service.ListWallets(cmd.Context(), driverID)
			if err != nil {
				return err
			}
			cmd.Printf("driver %s total balance: %d points\n", driverID, total.Int64())
			for _, record := range wallets {
				marker := " "
				if record.Primary {
					marker = "*"
				}
				cmd.Printf("%s %-20s %10d points\n", marker, record.SponsorID, record.BalancePoints.Int64())
			}
			return nil
		},
	}
}

func newSetPrimaryCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "set-primary <driver-id> <sponsor-id>",
		Short: "Designate one sponsor's wallet as the driver's primary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			driverID, err := wallet.NewDriverID(args[0])
			if err != nil {
				return err
			}
			sponsorID, err := wallet.NewSponsorID(args[1])
			if err != nil {
				return err
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			if err := runtime.service.SetPrimary(cmd.Context(), driverID, sponsorID); err != nil {
				return err
			}
			cmd.Printf("primary wallet for driver %s is now sponsor %s\n", driverID, sponsorID)
			return nil
		},
	}
}

func newCheckoutCommand(cfg *runtimeConfig) *cobra.Command {
	var costPoints, costCents int64
	cmd := &cobra.Command{
		Use:   "checkout <driver-id> <order-id>",
		Short: "Pay for an order by draining wallets highest-balance first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			driverID, err := wallet.NewDriverID(args[0])
			if err != nil {
				return err
			}
			orderID, err := wallet.NewOrderID(args[1])
			if err != nil {
				return err
			}
			cost, err := resolveCost(cfg, costPoints, costCents)
			if err != nil {
				return err
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			allocations, err := runtime.service.Allocate(cmd.Context(), driverID, cost, orderID)
			if err != nil {
				return describeShortfall(err)
			}
			cmd.Printf("order %s covered with %d points:\n", orderID, cost.Int64())
			for _, allocation := range allocations {
				cmd.Printf("  %-20s %10d points\n", allocation.SponsorID, allocation.AmountPoints.Int64())
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&costPoints, "points", 0, "order cost in points")
	cmd.Flags().Int64Var(&costCents, "cents", 0, "order cost in cents, converted at the configured ratio")
	return cmd
}

func newRefundCommand(cfg *runtimeConfig) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund <driver-id> <order-id>",
		Short: "Reverse a checkout, restoring each wallet's contribution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			driverID, err := wallet.NewDriverID(args[0])
			if err != nil {
				return err
			}
			orderID, err := wallet.NewOrderID(args[1])
			if err != nil {
				return err
			}
			refundReason, err := wallet.NewReason(reason)
			if err != nil {
				return err
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			if err := runtime.service.ReverseAllocation(cmd.Context(), driverID, orderID, refundReason); err != nil {
				return err
			}
			cmd.Printf("order %s refunded\n", orderID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "order refund", "reason recorded on the refund credits")
	return cmd
}

func newTerminateCommand(cfg *runtimeConfig) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "terminate <driver-id> <sponsor-id>",
		Short: "End a sponsorship, clawing back the remaining balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			driverID, err := wallet.NewDriverID(args[0])
			if err != nil {
				return err
			}
			sponsorID, err := wallet.NewSponsorID(args[1])
			if err != nil {
				return err
			}
			actorID, err := wallet.NewActorID(actor)
			if err != nil {
				return err
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			if err := runtime.service.TerminateSponsorship(cmd.Context(), driverID, sponsorID, actorID); err != nil {
				return err
			}
			cmd.Printf("sponsorship %s/%s terminated\n", driverID, sponsorID)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "by", "", "actor id terminating the sponsorship (required)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newTransactionsCommand(cfg *runtimeConfig) *cobra.Command {
	var driver, walletID, order, transactionType string
	var before int64
	var limit int
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List per-wallet transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := wallet.TransactionFilter{
				WalletID: walletID,
				DriverID: driver,
				OrderID:  order,
			}
			if transactionType != "" {
				parsed, err := wallet.ParseTransactionType(transactionType)
				if err != nil {
					return err
				}
				filter.Type = parsed
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			transactions, err := runtime.service.ListTransactions(cmd.Context(), filter, before, limit)
			if err != nil {
				return err
			}
			for _, transaction := range transactions {
				cmd.Printf("%d  %-6s %8d  %-20s %-20s %s\n",
					transaction.CreatedUnixUTC,
					transaction.Type,
					transaction.SignedPoints().Int64(),
					transaction.DriverID,
					transaction.SponsorID,
					transaction.Reason,
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "filter by driver id")
	cmd.Flags().StringVar(&walletID, "wallet", "", "filter by wallet id")
	cmd.Flags().StringVar(&order, "order", "", "filter by order id")
	cmd.Flags().StringVar(&transactionType, "type", "", "filter by type (credit or debit)")
	cmd.Flags().Int64Var(&before, "before", 0, "only transactions created before this unix timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (defaults to 50, capped at 200)")
	return cmd
}

func newLedgerCommand(cfg *runtimeConfig) *cobra.Command {
	var before int64
	var limit int
	cmd := &cobra.Command{
		Use:   "ledger <driver-id>",
		Short: "Show a driver's consolidated cross-sponsor ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driverID, err := wallet.NewDriverID(args[0])
			if err != nil {
				return err
			}
			runtime, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer runtime.cleanup()

			entries, err := runtime.service.ListLedger(cmd.Context(), driverID, before, limit)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				cmd.Printf("%d  %+8d  balance %8d  %s\n",
					entry.CreatedUnixUTC,
					entry.DeltaPoints.Int64(),
					entry.BalanceAfterPoints.Int64(),
					entry.Reason,
				)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&before, "before", 0, "only entries created before this unix timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (defaults to 50, capped at 200)")
	return cmd
}

func newConvertCommand(cfg *runtimeConfig) *cobra.Command {
	var ratioOverride int64
	cmd := &cobra.Command{
		Use:   "convert <cents>",
		Short: "Convert a price in cents to points at the effective ratio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse cents %q: %w", args[0], err)
			}
			globalDefault, err := wallet.NewPointsPerDollar(cfg.PointsPerDollar)
			if err != nil {
				return err
			}
			var override *wallet.PointsPerDollar
			if ratioOverride != 0 {
				parsed, err := wallet.NewPointsPerDollar(ratioOverride)
				if err != nil {
					return err
				}
				override = &parsed
			}
			ratio := wallet.ResolveRatio(override, globalDefault)
			cmd.Printf("%d cents = %d points at %d points/dollar\n", cents, ratio.PointsForCents(cents).Int64(), ratio.Int64())
			return nil
		},
	}
	cmd.Flags().Int64Var(&ratioOverride, "ratio", 0, "sponsor-specific ratio override")
	return cmd
}

func resolveCost(cfg *runtimeConfig, costPoints int64, costCents int64) (wallet.Points, error) {
	if costPoints != 0 && costCents != 0 {
		return 0, fmt.Errorf("use either --points or --cents, not both")
	}
	if costPoints != 0 {
		return wallet.Points(costPoints), nil
	}
	if costCents != 0 {
		ratio, err := wallet.NewPointsPerDollar(cfg.PointsPerDollar)
		if err != nil {
			return 0, err
		}
		return ratio.PointsForCents(costCents), nil
	}
	return 0, fmt.Errorf("order cost is required (--points or --cents)")
}

func parsePositivePoints(raw string) (int64, error) {
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse points %q: %w", raw, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("points must be positive, got %d", amount)
	}
	return amount, nil
}

// describeShortfall augments insufficient-balance failures with the exact
// number of missing points.
func describeShortfall(err error) error {
	var shortfall wallet.ShortfallError
	if errors.As(err, &shortfall) {
		return fmt.Errorf("%w (add %d points to cover)", err, shortfall.Shortfall().Int64())
	}
	return err
}
