// Package broker defines the abstract contract the engine uses to talk
// to an execution venue, plus the in-memory paper adapter.
//
// The reconciler depends only on OpenPositions and ClosePosition; the
// tracker and intake use the order surface. Live adapters are wired in
// by the embedding application.
package broker

import (
	"context"

	"github.com/quayyum-a/tradecore/types"
)

// Adapter is the broker contract
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ValidateConnection(ctx context.Context) bool

	PlaceOrder(ctx context.Context, spec types.OrderSpec) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (string, error)

	OpenPositions(ctx context.Context) ([]types.BrokerPosition, error)
	ClosePosition(ctx context.Context, positionID string) error

	// SubscribeExecutions registers a handler for fill/trigger events.
	SubscribeExecutions(handler func(types.ExecutionReport))
}
