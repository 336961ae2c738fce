package event

import "context"

type remoteDeliveryKey struct{}

// WithRemoteDelivery marks ctx as carrying a delivery that arrived from the network
// (a broadcast or a compute request). Raising an event with such a context runs the local
// handlers but never publishes the event again.
func WithRemoteDelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteDeliveryKey{}, true)
}

// IsRemoteDelivery reports whether ctx was marked by WithRemoteDelivery.
func IsRemoteDelivery(ctx context.Context) bool {
	v, _ := ctx.Value(remoteDeliveryKey{}).(bool)
	return v
}
