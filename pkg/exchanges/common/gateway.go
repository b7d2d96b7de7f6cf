package common

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an instrument or order does not exist on the venue.
var ErrNotFound = errors.New("not found")

// Gateway abstracts a derivatives venue. Read methods may be retried by the
// implementation; PlaceOrder is never retried.
type Gateway interface {
	GetSpotPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	ResolveInstrument(ctx context.Context, symbol string) (Product, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, productID int64, orderID string) error
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
}
