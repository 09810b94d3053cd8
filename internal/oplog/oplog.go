// Package oplog adapts the wallet operation hook onto a zap logger.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/trucklane/points/pkg/wallet"
)

// Logger emits one structured record per wallet operation.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to the given zap logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

func (operationLogger *Logger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("driver_id", entry.DriverID),
		zap.String("status", entry.Status),
	}
	if entry.SponsorID != "" {
		fields = append(fields, zap.String("sponsor_id", entry.SponsorID))
	}
	if entry.OrderID != "" {
		fields = append(fields, zap.String("order_id", entry.OrderID))
	}
	if entry.Delta != 0 {
		fields = append(fields, zap.Int64("delta_points", entry.Delta.Int64()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("wallet operation failed", fields...)
		return
	}
	operationLogger.logger.Info("wallet operation", fields...)
}
