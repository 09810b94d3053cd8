package wallet

import "context"

// BalanceChange is handed to the notifier after a committed balance mutation.
type BalanceChange struct {
	DriverID       string
	SponsorID      string
	DeltaPoints    Points
	Reason         string
	NewTotalPoints Points
}

// BalanceNotifier is the external "balance changed" hook. Delivery is
// best-effort: the service never fails a committed mutation over it.
type BalanceNotifier interface {
	NotifyBalanceChanged(ctx context.Context, change BalanceChange) error
}

// WithBalanceNotifier wires the hook invoked after each committed change.
func WithBalanceNotifier(notifier BalanceNotifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}
