package wallet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func testClock() func() int64 {
	var tick atomic.Int64
	return func() int64 {
		return tick.Add(1)
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, testClock(), options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustDriverID(test *testing.T, raw string) DriverID {
	test.Helper()
	driverID, err := NewDriverID(raw)
	if err != nil {
		test.Fatalf("driver id %q: %v", raw, err)
	}
	return driverID
}

func mustSponsorID(test *testing.T, raw string) SponsorID {
	test.Helper()
	sponsorID, err := NewSponsorID(raw)
	if err != nil {
		test.Fatalf("sponsor id %q: %v", raw, err)
	}
	return sponsorID
}

func mustActorID(test *testing.T, raw string) ActorID {
	test.Helper()
	actorID, err := NewActorID(raw)
	if err != nil {
		test.Fatalf("actor id %q: %v", raw, err)
	}
	return actorID
}

func mustOrderID(test *testing.T, raw string) OrderID {
	test.Helper()
	orderID, err := NewOrderID(raw)
	if err != nil {
		test.Fatalf("order id %q: %v", raw, err)
	}
	return orderID
}

func mustDelta(test *testing.T, raw int64) PointsDelta {
	test.Helper()
	delta, err := NewPointsDelta(raw)
	if err != nil {
		test.Fatalf("delta %d: %v", raw, err)
	}
	return delta
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	reason, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason %q: %v", raw, err)
	}
	return reason
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

// recordingLogger captures operation logs for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) logged() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	entries := make([]OperationLog, len(logger.entries))
	copy(entries, logger.entries)
	return entries
}

// channelNotifier exposes dispatched changes to the test goroutine.
type channelNotifier struct {
	changes chan BalanceChange
	fail    error
}

func newChannelNotifier(buffer int) *channelNotifier {
	return &channelNotifier{changes: make(chan BalanceChange, buffer)}
}

func (notifier *channelNotifier) NotifyBalanceChanged(_ context.Context, change BalanceChange) error {
	notifier.changes <- change
	return notifier.fail
}
