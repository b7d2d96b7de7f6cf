package delta

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"options-engine/pkg/exchanges/common"
	"options-engine/pkg/strikes"
)

var _ common.Gateway = (*Client)(nil)

// GetSpotPrice reads the asset's index price from its USD ticker.
func (c *Client) GetSpotPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	t, err := c.GetTicker(ctx, strikes.SpotSymbol(asset))
	if err != nil {
		return decimal.Zero, err
	}
	if t.SpotPrice.IsPositive() {
		return t.SpotPrice, nil
	}
	return t.MarkPrice, nil
}

// ResolveInstrument looks up a product by symbol.
func (c *Client) ResolveInstrument(ctx context.Context, symbol string) (common.Product, error) {
	var p productResp
	if err := c.get(ctx, "/v2/products/"+url.PathEscape(symbol), nil, &p); err != nil {
		return common.Product{}, fmt.Errorf("resolve %s: %w", symbol, err)
	}
	if p.ID == 0 {
		return common.Product{}, fmt.Errorf("resolve %s: %w", symbol, common.ErrNotFound)
	}
	return p.toCommon(), nil
}

// GetTicker returns mark and spot prices for symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	var t tickerResp
	if err := c.get(ctx, "/v2/tickers/"+url.PathEscape(symbol), nil, &t); err != nil {
		return common.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	return common.Ticker{
		Symbol:    t.Symbol,
		ProductID: t.ProductID,
		MarkPrice: t.MarkPrice,
		SpotPrice: t.SpotPrice,
	}, nil
}

// PlaceOrder submits an entry or stop order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.ProductID == 0 || req.Size <= 0 {
		return common.OrderResult{}, fmt.Errorf("delta: invalid order product=%d size=%d", req.ProductID, req.Size)
	}
	payload := orderPayload{
		ProductID:     req.ProductID,
		Size:          req.Size,
		Side:          string(req.Side),
		OrderType:     string(req.Type),
		StopOrderType: string(req.StopType),
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientID,
	}
	if req.Type == common.OrderTypeLimit {
		payload.LimitPrice = req.LimitPrice.String()
	}
	if req.StopType != common.StopNone {
		payload.StopPrice = req.StopPrice.String()
	}

	var resp orderResp
	if err := c.send(ctx, http.MethodPost, "/v2/orders", payload, &resp); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		OrderID:      strconv.FormatInt(resp.ID, 10),
		ClientID:     resp.ClientOrderID,
		Status:       mapStatus(resp.State),
		FilledSize:   resp.Size - resp.UnfilledSize,
		AvgFillPrice: resp.AverageFillPrice,
		Commission:   resp.PaidCommission,
	}, nil
}

// CancelOrder cancels an order by product and id.
func (c *Client) CancelOrder(ctx context.Context, productID int64, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("delta: invalid order id %q", orderID)
	}
	return c.send(ctx, http.MethodDelete, "/v2/orders", cancelPayload{ID: id, ProductID: productID}, nil)
}

// GetOpenOrders lists open and untriggered orders across all products.
func (c *Client) GetOpenOrders(ctx context.Context) ([]common.Order, error) {
	params := url.Values{}
	params.Set("states", "open,pending")
	var resp []orderResp
	if err := c.get(ctx, "/v2/orders", params, &resp); err != nil {
		return nil, err
	}
	out := make([]common.Order, 0, len(resp))
	for _, o := range resp {
		out = append(out, o.toCommon())
	}
	return out, nil
}

// GetPositions lists all non-flat margined positions.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	var resp []positionResp
	if err := c.get(ctx, "/v2/positions/margined", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, common.Position{
			ProductID:  p.ProductID,
			Symbol:     p.ProductSymbol,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
		})
	}
	return out, nil
}
