// Package common defines the contract every broker adapter implements and the
// normalized types callers depend on.
package common

import "context"

// Broker is the capability set shared by all venues. Callers never depend on a
// concrete adapter type.
type Broker interface {
	ID() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// PlaceOrder connects transparently if needed, resolves the symbol and
	// translates the request into venue vocabulary.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderResponse, error)
	ClosePosition(ctx context.Context, symbol string) (OrderResponse, error)
}

// Pinger is implemented by adapters that expose a cheap liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}
