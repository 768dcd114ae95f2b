package models

import (
	"context"
	"time"
)

type deliveryContextKey struct{}

// DeliveryContext carries how an external event reached the reconciler so
// log lines and audit rows can be traced back to the delivery.
type DeliveryContext struct {
	Source     string    // adapter source name (e.g. "generic", "impact")
	Path       string    // "webhook", "poll", "queue" or "manual"
	RequestId  string    // HTTP request id or AMQP message id
	ReceivedAt time.Time
}

// WithDeliveryContext attaches delivery metadata to a context.
func WithDeliveryContext(ctx context.Context, dc *DeliveryContext) context.Context {
	return context.WithValue(ctx, deliveryContextKey{}, dc)
}

// GetDeliveryContext retrieves delivery metadata from context, or nil if absent.
func GetDeliveryContext(ctx context.Context) *DeliveryContext {
	dc, _ := ctx.Value(deliveryContextKey{}).(*DeliveryContext)
	return dc
}
