package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"options-engine/pkg/exchanges/common"
)

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    string          `json:"code"`
		Context json.RawMessage `json:"context,omitempty"`
	} `json:"error,omitempty"`
}

// APIError is a non-2xx or success=false response.
type APIError struct {
	Method string
	Path   string
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("delta %s %s status %d: %s", e.Method, e.Path, e.Status, e.Code)
	}
	return fmt.Sprintf("delta %s %s status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

// Is maps venue "not found" answers onto common.ErrNotFound.
func (e *APIError) Is(target error) bool {
	if target != common.ErrNotFound {
		return false
	}
	return e.Status == 404 || e.Code == "not_found" || e.Code == "open_order_not_found"
}

// retryable reports whether err is worth retrying on a read path. Transport
// failures and timeouts are retryable; decode failures are not.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var te *transportError
	return errors.As(err, &te)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type productResp struct {
	ID             int64           `json:"id"`
	Symbol         string          `json:"symbol"`
	ContractType   string          `json:"contract_type"`
	StrikePrice    decimal.Decimal `json:"strike_price"`
	ContractValue  decimal.Decimal `json:"contract_value"`
	TickSize       decimal.Decimal `json:"tick_size"`
	SettlementTime string          `json:"settlement_time"`
	State          string          `json:"state"`
}

func (p productResp) toCommon() common.Product {
	out := common.Product{
		ID:            p.ID,
		Symbol:        p.Symbol,
		ContractType:  p.ContractType,
		Strike:        p.StrikePrice,
		ContractValue: p.ContractValue,
		TickSize:      p.TickSize,
	}
	if ts, err := time.Parse(time.RFC3339, p.SettlementTime); err == nil {
		out.SettlementTime = ts
	}
	return out
}

type tickerResp struct {
	Symbol    string          `json:"symbol"`
	ProductID int64           `json:"product_id"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	SpotPrice decimal.Decimal `json:"spot_price"`
}

type orderPayload struct {
	ProductID     int64  `json:"product_id"`
	Size          int64  `json:"size"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopOrderType string `json:"stop_order_type,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type cancelPayload struct {
	ID        int64 `json:"id"`
	ProductID int64 `json:"product_id"`
}

type orderResp struct {
	ID               int64           `json:"id"`
	ProductID        int64           `json:"product_id"`
	ProductSymbol    string          `json:"product_symbol"`
	Side             string          `json:"side"`
	Size             int64           `json:"size"`
	UnfilledSize     int64           `json:"unfilled_size"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	StopPrice        decimal.Decimal `json:"stop_price"`
	StopOrderType    string          `json:"stop_order_type"`
	State            string          `json:"state"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	ClientOrderID    string          `json:"client_order_id"`
	PaidCommission   decimal.Decimal `json:"paid_commission"`
}

func (o orderResp) toCommon() common.Order {
	return common.Order{
		ID:         strconv.FormatInt(o.ID, 10),
		ClientID:   o.ClientOrderID,
		ProductID:  o.ProductID,
		Symbol:     o.ProductSymbol,
		Side:       common.Side(o.Side),
		Size:       o.Size,
		Unfilled:   o.UnfilledSize,
		StopType:   common.StopType(o.StopOrderType),
		StopPrice:  o.StopPrice,
		LimitPrice: o.LimitPrice,
		Status:     mapStatus(o.State),
	}
}

type positionResp struct {
	ProductID     int64           `json:"product_id"`
	ProductSymbol string          `json:"product_symbol"`
	Size          int64           `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
}

func mapStatus(state string) common.OrderStatus {
	switch state {
	case "open":
		return common.StatusOpen
	case "pending":
		return common.StatusPending
	case "closed":
		return common.StatusFilled
	case "cancelled":
		return common.StatusCancelled
	case "rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}
