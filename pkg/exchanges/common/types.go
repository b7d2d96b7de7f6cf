package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the entry order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market_order"
	OrderTypeLimit  OrderType = "limit_order"
)

// StopType marks an order as a stop-loss or take-profit trigger order.
type StopType string

const (
	StopNone       StopType = ""
	StopLoss       StopType = "stop_loss_order"
	StopTakeProfit StopType = "take_profit_order"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "closed"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusUnknown   OrderStatus = "unknown"
)

// Live reports whether the order can still execute.
func (s OrderStatus) Live() bool {
	return s == StatusOpen || s == StatusPending
}

// Credentials are the signing key pair for one exchange account.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Product is a tradable instrument.
type Product struct {
	ID             int64           `json:"id"`
	Symbol         string          `json:"symbol"`
	ContractType   string          `json:"contract_type"`
	Strike         decimal.Decimal `json:"strike_price"`
	ContractValue  decimal.Decimal `json:"contract_value"`
	TickSize       decimal.Decimal `json:"tick_size"`
	SettlementTime time.Time       `json:"settlement_time"`
}

// Ticker carries the latest prices for a product.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	ProductID int64           `json:"product_id"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	SpotPrice decimal.Decimal `json:"spot_price"`
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	ProductID  int64
	Symbol     string
	Side       Side
	Type       OrderType
	Size       int64
	LimitPrice decimal.Decimal // required for limit and stop-limit orders
	StopType   StopType
	StopPrice  decimal.Decimal // trigger for stop orders
	ReduceOnly bool
	ClientID   string
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	OrderID      string
	ClientID     string
	Status       OrderStatus
	FilledSize   int64
	AvgFillPrice decimal.Decimal
	Commission   decimal.Decimal
}

// Order is an order as reported by the exchange.
type Order struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"client_order_id,omitempty"`
	ProductID  int64           `json:"product_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Size       int64           `json:"size"`
	Unfilled   int64           `json:"unfilled_size"`
	StopType   StopType        `json:"stop_order_type,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Status     OrderStatus     `json:"state"`
}

// Position is a net position per product. Size is signed; negative is short.
type Position struct {
	ProductID  int64           `json:"product_id"`
	Symbol     string          `json:"symbol"`
	Size       int64           `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
}
