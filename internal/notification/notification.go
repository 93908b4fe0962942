// File: internal/notification/notification.go
package notification

import (
	"context"

	"github.com/smartdevs17/lending-indexer/internal/models"
)

// Notifier is told about liquidations after they are committed
type Notifier interface {
	NotifyLiquidation(ctx context.Context, record *models.LiquidationRecord) error
}

// NopNotifier drops every notification
type NopNotifier struct{}

// NotifyLiquidation implements Notifier
func (NopNotifier) NotifyLiquidation(context.Context, *models.LiquidationRecord) error { return nil }
