package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trucklane/points/pkg/wallet"
)

// SubjectBalanceChanged is the bus subject for committed balance mutations.
const SubjectBalanceChanged = "wallet.balance.changed"

// MessageBus abstracts the event transport so tests can capture publishes.
type MessageBus interface {
	Publish(subject string, data []byte) error
}

// BalanceChangedEvent is the wire form of a committed balance mutation.
type BalanceChangedEvent struct {
	DriverID       string    `json:"driver_id"`
	SponsorID      string    `json:"sponsor_id"`
	DeltaPoints    int64     `json:"delta_points"`
	Reason         string    `json:"reason"`
	NewTotalPoints int64     `json:"new_total_points"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// BusNotifier publishes balance-changed events to a message bus.
type BusNotifier struct {
	bus   MessageBus
	nowFn func() time.Time
}

// NewBusNotifier returns a notifier publishing to the given bus.
func NewBusNotifier(bus MessageBus) *BusNotifier {
	return &BusNotifier{bus: bus, nowFn: time.Now}
}

func (notifier *BusNotifier) NotifyBalanceChanged(_ context.Context, change wallet.BalanceChange) error {
	event := BalanceChangedEvent{
		DriverID:       change.DriverID,
		SponsorID:      change.SponsorID,
		DeltaPoints:    change.DeltaPoints.Int64(),
		Reason:         change.Reason,
		NewTotalPoints: change.NewTotalPoints.Int64(),
		OccurredAt:     notifier.nowFn().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode balance event: %w", err)
	}
	if err := notifier.bus.Publish(SubjectBalanceChanged, payload); err != nil {
		return fmt.Errorf("publish balance event: %w", err)
	}
	return nil
}

// LogNotifier records balance changes to a structured logger. Useful for
// deployments without a message bus.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier writing to the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) NotifyBalanceChanged(_ context.Context, change wallet.BalanceChange) error {
	notifier.logger.Info("balance changed",
		zap.String("driver_id", change.DriverID),
		zap.String("sponsor_id", change.SponsorID),
		zap.Int64("delta_points", change.DeltaPoints.Int64()),
		zap.String("reason", change.Reason),
		zap.Int64("new_total_points", change.NewTotalPoints.Int64()),
	)
	return nil
}
