package bingx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/DaniilMusin/btc-technical/internal/execution"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

// order is the swap order object as returned by place/query/openOrders.
type order struct {
	OrderID       json.Number     `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"positionSide"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	Commission    decimal.Decimal `json:"commission"`
	Time          int64           `json:"time"`
}

type orderData struct {
	Order order `json:"order"`
}

func fillStatus(s string) (model.FillStatus, bool) {
	switch strings.ToUpper(s) {
	case "FILLED":
		return model.FillFilled, true
	case "CANCELED", "CANCELLED", "EXPIRED":
		return model.FillCancelled, true
	case "FAILED", "REJECTED":
		return model.FillRejected, true
	case "PARTIALLY_FILLED":
		return model.FillPartiallyFilled, false
	default: // NEW, PENDING
		return "", false
	}
}

func positionSide(s model.Side) string {
	if s == model.SideShort {
		return "SHORT"
	}
	return "LONG"
}

// orderSide is BUY/SELL for opening (closing=false) or closing a position side.
func orderSide(s model.Side, closing bool) string {
	buy := s == model.SideLong
	if closing {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}

// Submit places a market order for open/close intents and polls until a
// terminal status or SubmitTimeout. adjust_stop replaces the working
// STOP_MARKET order and returns once the exchange accepted it.
func (c *Client) Submit(ctx context.Context, in model.OrderIntent) (model.Fill, error) {
	if in.ClientID == "" {
		in.ClientID = uuid.NewString()
	}
	switch in.Kind {
	case model.IntentOpen:
		if err := c.prepare(ctx, in); err != nil {
			return execution.RejectedFill(in, err), err
		}
		return c.market(ctx, in, false)
	case model.IntentClose:
		return c.market(ctx, in, true)
	case model.IntentAdjustStop:
		return c.replaceStop(ctx, in)
	}
	err := fmt.Errorf("%w: unknown intent kind %q", execution.ErrOrderRejected, in.Kind)
	return execution.RejectedFill(in, err), err
}

// prepare sets margin mode once per symbol and leverage when it changes.
func (c *Client) prepare(ctx context.Context, in model.OrderIntent) error {
	c.mu.Lock()
	marginDone := c.marginSet[in.Symbol]
	c.mu.Unlock()
	if !marginDone {
		err := c.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/marginType", map[string]string{
			"symbol":     in.Symbol,
			"marginType": strings.ToUpper(c.cfg.MarginMode),
		}, true, nil)
		// already in the requested mode is reported as an API error; not fatal
		if err != nil && !errors.As(err, new(*APIError)) {
			return fmt.Errorf("set margin mode: %w", err)
		}
		c.mu.Lock()
		c.marginSet[in.Symbol] = true
		c.mu.Unlock()
	}

	lev := int(in.Leverage)
	if lev < 1 {
		lev = 1
	}
	key := in.Symbol + ":" + positionSide(in.Side)
	c.mu.Lock()
	same := c.leverage[key] == lev
	c.mu.Unlock()
	if same {
		return nil
	}
	err := c.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", map[string]string{
		"symbol":   in.Symbol,
		"side":     positionSide(in.Side),
		"leverage": strconv.Itoa(lev),
	}, true, nil)
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	c.mu.Lock()
	c.leverage[key] = lev
	c.mu.Unlock()
	return nil
}

func (c *Client) market(ctx context.Context, in model.OrderIntent, closing bool) (model.Fill, error) {
	prec := c.precisionFor(in.Symbol)
	qty := prec.FormatQty(in.RequestedSize)
	if d, _ := decimal.NewFromString(qty); !d.IsPositive() {
		err := fmt.Errorf("%w: size %.8f below contract precision", execution.ErrOrderRejected, in.RequestedSize)
		return execution.RejectedFill(in, err), err
	}

	params := map[string]string{
		"symbol":        in.Symbol,
		"side":          orderSide(in.Side, closing),
		"positionSide":  positionSide(in.Side),
		"type":          "MARKET",
		"quantity":      qty,
		"clientOrderID": in.ClientID,
	}

	var placed orderData
	err := c.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, true, &placed)
	switch {
	case err == nil:
	case isDuplicateClientID(err) || execution.IsTransient(err):
		// the POST may have reached the exchange before it failed
		o, lerr := c.lookup(ctx, in)
		switch {
		case lerr == nil:
			c.log.Warn("order found after failed placement", "client_id", in.ClientID, "order_id", o.OrderID.String(), "error", err)
			placed.Order = o
		case errors.Is(lerr, execution.ErrOrderRejected) && !isDuplicateClientID(err):
			// the exchange does not know the client ID: nothing was placed
			return model.Fill{}, err
		default:
			return model.Fill{}, fmt.Errorf("%w: placement of %s unconfirmed: %v (lookup: %v)",
				execution.ErrSubmitTimeout, in.ClientID, err, lerr)
		}
	case errors.Is(err, execution.ErrOrderRejected):
		return execution.RejectedFill(in, err), err
	default:
		return model.Fill{}, err
	}
	c.log.Info("order placed",
		"kind", in.Kind, "side", params["side"], "position_side", params["positionSide"],
		"qty", qty, "order_id", placed.Order.OrderID.String(), "client_id", in.ClientID)

	if closing {
		// the protective stop belongs to the position being closed
		defer c.cancelStop(context.WithoutCancel(ctx), in.Symbol)
	}
	return c.await(ctx, in, placed.Order.OrderID.String())
}

// await polls the order until it reaches a terminal status.
func (c *Client) await(ctx context.Context, in model.OrderIntent, orderID string) (model.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	var last order
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()
	for {
		o, err := c.queryOrder(ctx, in.Symbol, orderID)
		switch {
		case err == nil:
			last = o
			if st, terminal := fillStatus(o.Status); terminal {
				return c.toFill(in, o, st), nil
			}
		case !execution.IsTransient(err):
			return model.Fill{}, err
		}

		select {
		case <-ctx.Done():
			fill := c.toFill(in, last, model.FillPartiallyFilled)
			return fill, fmt.Errorf("%w: order %s last status %q", execution.ErrSubmitTimeout, orderID, last.Status)
		case <-tick.C:
		}
	}
}

// lookup finds an order by its client ID. An API error means the exchange
// has no such order.
func (c *Client) lookup(ctx context.Context, in model.OrderIntent) (order, error) {
	var d orderData
	err := c.call(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":        in.Symbol,
		"clientOrderID": in.ClientID,
	}, true, &d)
	if err == nil && d.Order.OrderID.String() == "" {
		err = fmt.Errorf("%w: no order for client id %s", execution.ErrOrderRejected, in.ClientID)
	}
	return d.Order, err
}

// isDuplicateClientID reports an API rejection of a reused clientOrderID,
// which means an earlier attempt was placed.
func isDuplicateClientID(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	msg := strings.ToLower(ae.Msg)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exist")
}

func (c *Client) queryOrder(ctx context.Context, symbol, orderID string) (order, error) {
	var d orderData
	err := c.call(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}, true, &d)
	return d.Order, err
}

func (c *Client) toFill(in model.OrderIntent, o order, st model.FillStatus) model.Fill {
	size, _ := o.ExecutedQty.Float64()
	price, _ := o.AvgPrice.Float64()
	fee, _ := o.Commission.Abs().Float64()
	ts := c.now()
	if o.Time > 0 {
		ts = time.UnixMilli(o.Time).UTC()
	}
	return model.Fill{
		OrderID:     o.OrderID.String(),
		ClientID:    in.ClientID,
		Kind:        in.Kind,
		FilledSize:  size,
		FilledPrice: price,
		Fee:         fee,
		TS:          ts,
		Status:      st,
		Reason:      o.Status,
	}
}

// replaceStop cancels the working stop (if any) and places a new STOP_MARKET
// for the full position size.
func (c *Client) replaceStop(ctx context.Context, in model.OrderIntent) (model.Fill, error) {
	c.cancelStop(ctx, in.Symbol)

	prec := c.precisionFor(in.Symbol)
	var placed orderData
	err := c.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":        in.Symbol,
		"side":          orderSide(in.Side, true),
		"positionSide":  positionSide(in.Side),
		"type":          "STOP_MARKET",
		"quantity":      prec.FormatQty(in.RequestedSize),
		"stopPrice":     prec.FormatPrice(in.StopPrice),
		"clientOrderID": in.ClientID,
	}, true, &placed)
	if err != nil {
		return execution.RejectedFill(in, err), err
	}

	c.mu.Lock()
	c.stopOrders[in.Symbol] = placed.Order.OrderID.String()
	c.mu.Unlock()
	return model.Fill{
		OrderID:  placed.Order.OrderID.String(),
		ClientID: in.ClientID,
		Kind:     in.Kind,
		TS:       c.now(),
		Status:   model.FillFilled,
	}, nil
}

func (c *Client) cancelStop(ctx context.Context, symbol string) {
	c.mu.Lock()
	id := c.stopOrders[symbol]
	delete(c.stopOrders, symbol)
	c.mu.Unlock()
	if id == "" {
		return
	}
	if err := c.cancel(ctx, symbol, id); err != nil {
		c.log.Warn("cancel stop order failed", "order_id", id, "error", err)
	}
}

// CancelOrder cancels a working order by its exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	if c.stopOrders[symbol] == orderID {
		delete(c.stopOrders, symbol)
	}
	c.mu.Unlock()
	return c.cancel(ctx, symbol, orderID)
}

func (c *Client) cancel(ctx context.Context, symbol, orderID string) error {
	return c.call(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}, true, nil)
}

// AccountBalance returns account equity in USDT.
func (c *Client) AccountBalance(ctx context.Context) (float64, error) {
	var d struct {
		Balance struct {
			Equity  decimal.Decimal `json:"equity"`
			Balance decimal.Decimal `json:"balance"`
		} `json:"balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil, true, &d); err != nil {
		return 0, err
	}
	eq := d.Balance.Equity
	if eq.IsZero() {
		eq = d.Balance.Balance
	}
	v, _ := eq.Float64()
	return v, nil
}

// OpenOrders lists working orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	var d struct {
		Orders []order `json:"orders"`
	}
	if err := c.call(ctx, http.MethodGet, "/openApi/swap/v2/trade/openOrders", map[string]string{
		"symbol": symbol,
	}, true, &d); err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(d.Orders))
	for _, o := range d.Orders {
		qty, _ := o.OrigQty.Float64()
		filled, _ := o.ExecutedQty.Float64()
		price, _ := o.Price.Float64()
		stop, _ := o.StopPrice.Float64()
		out = append(out, model.Order{
			OrderID:   o.OrderID.String(),
			ClientID:  o.ClientOrderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Type:      o.Type,
			Qty:       qty,
			FilledQty: filled,
			Price:     price,
			StopPrice: stop,
			Status:    o.Status,
			CreatedAt: time.UnixMilli(o.Time).UTC(),
		})
	}
	return out, nil
}

// Position returns the open position for symbol, or nil when flat.
func (c *Client) Position(ctx context.Context, symbol string) (*model.Position, error) {
	var d []struct {
		Symbol       string          `json:"symbol"`
		PositionSide string          `json:"positionSide"`
		PositionAmt  decimal.Decimal `json:"positionAmt"`
		AvgPrice     decimal.Decimal `json:"avgPrice"`
		Leverage     float64         `json:"leverage"`
	}
	if err := c.call(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", map[string]string{
		"symbol": symbol,
	}, true, &d); err != nil {
		return nil, err
	}
	for _, p := range d {
		amt := p.PositionAmt.Abs()
		if !amt.IsPositive() {
			continue
		}
		side := model.SideLong
		if strings.EqualFold(p.PositionSide, "SHORT") || p.PositionAmt.IsNegative() {
			side = model.SideShort
		}
		size, _ := amt.Float64()
		entry, _ := p.AvgPrice.Float64()
		return &model.Position{
			Symbol:     p.Symbol,
			Side:       side,
			EntryPrice: entry,
			Size:       size,
			Leverage:   p.Leverage,
		}, nil
	}
	return nil, nil
}

var _ execution.Broker = (*Client)(nil)
