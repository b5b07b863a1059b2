package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// SimConfig parameterises the simulated broker.
type SimConfig struct {
	InitialBalance float64
	FeeRate        float64
	SlippageBps    float64 // basis points of adverse slippage (e.g., 5 = 0.05%)
	MaxLeverage    float64 // margin check; 0 disables
}

// SimBroker fills intents instantly at the price hint (plus optional
// slippage). Its ledger changes only through fills: the entry fee is charged
// on open, gross PnL minus the exit fee is credited on close.
// Used by backtests and, named "dryrun", for shadow trading on live data.
type SimBroker struct {
	mu   sync.RWMutex
	name string
	cfg  SimConfig

	balance float64
	pos     *model.Position
	fills   []model.Fill
	now     func() time.Time
	log     *slog.Logger
}

// NewSimBroker creates a simulated broker for backtests.
func NewSimBroker(cfg SimConfig) *SimBroker {
	return newSim("sim", cfg)
}

// NewDryRun creates the testnet-mode broker: simulated fills, no network
// order submission.
func NewDryRun(cfg SimConfig) *SimBroker {
	return newSim("dryrun", cfg)
}

func newSim(name string, cfg SimConfig) *SimBroker {
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = model.DefaultFeeRate
	}
	return &SimBroker{
		name:    name,
		cfg:     cfg,
		balance: cfg.InitialBalance,
		fills:   make([]model.Fill, 0, 256),
		now:     time.Now,
		log:     slog.Default().With("component", "broker", "broker", name),
	}
}

func (s *SimBroker) Name() string { return s.name }

func (s *SimBroker) Submit(ctx context.Context, in model.OrderIntent) (model.Fill, error) {
	if err := ctx.Err(); err != nil {
		return model.Fill{}, fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := in.TS
	if ts.IsZero() {
		ts = s.now()
	}
	fill := model.Fill{
		OrderID:  "SIM-" + uuid.NewString(),
		ClientID: in.ClientID,
		Kind:     in.Kind,
		TS:       ts,
	}

	switch in.Kind {
	case model.IntentOpen:
		s.open(in, &fill)
	case model.IntentClose:
		s.close(in, &fill)
	case model.IntentAdjustStop:
		if s.pos == nil {
			fill.Status, fill.Reason = model.FillRejected, "no position"
			break
		}
		s.pos.StopPrice = in.StopPrice
		fill.Status = model.FillFilled
	default:
		fill.Status, fill.Reason = model.FillRejected, "unknown intent kind "+string(in.Kind)
	}

	s.fills = append(s.fills, fill)
	s.log.Debug("sim fill",
		"kind", in.Kind, "side", in.Side, "status", fill.Status,
		"size", fill.FilledSize, "price", fill.FilledPrice, "fee", fill.Fee,
		"balance", s.balance, "client_id", in.ClientID)
	return fill, nil
}

// slip moves price against the trader: buys fill higher, sells lower.
func (s *SimBroker) slip(price float64, buying bool) float64 {
	if s.cfg.SlippageBps <= 0 {
		return price
	}
	d := price * s.cfg.SlippageBps / 10000
	if buying {
		return price + d
	}
	return price - d
}

func (s *SimBroker) open(in model.OrderIntent, fill *model.Fill) {
	switch {
	case s.pos != nil:
		fill.Status, fill.Reason = model.FillRejected, "position already open"
		return
	case in.RequestedSize <= 0 || in.PriceHint <= 0:
		fill.Status, fill.Reason = model.FillRejected, "invalid size or price"
		return
	case in.Side != model.SideLong && in.Side != model.SideShort:
		fill.Status, fill.Reason = model.FillRejected, "invalid side"
		return
	}
	if s.cfg.MaxLeverage > 0 && in.RequestedSize*in.PriceHint > s.balance*s.cfg.MaxLeverage*(1+1e-9) {
		fill.Status, fill.Reason = model.FillRejected, "insufficient margin"
		return
	}

	price := s.slip(in.PriceHint, in.Side == model.SideLong)
	fee := model.EntryFee(in.RequestedSize, price, s.cfg.FeeRate)
	s.balance -= fee
	s.pos = &model.Position{
		Symbol:     in.Symbol,
		Side:       in.Side,
		EntryPrice: price,
		Size:       in.RequestedSize,
		Leverage:   in.Leverage,
		StopPrice:  in.StopPrice,
		TakeProfit: in.TakeProfit,
		EntryFee:   fee,
		OpenedAt:   fill.TS,
	}
	fill.Status = model.FillFilled
	fill.FilledSize = in.RequestedSize
	fill.FilledPrice = price
	fill.Fee = fee
}

func (s *SimBroker) close(in model.OrderIntent, fill *model.Fill) {
	if s.pos == nil {
		fill.Status, fill.Reason = model.FillRejected, "no position"
		return
	}
	p := s.pos
	size := math.Min(in.RequestedSize, p.Size)
	if size <= 0 {
		fill.Status, fill.Reason = model.FillRejected, "invalid size"
		return
	}

	price := s.slip(in.PriceHint, p.Side == model.SideShort)
	gross := (price - p.EntryPrice) * size * p.Side.Sign()
	fee := model.ExitFee(size, price, s.cfg.FeeRate)
	s.balance += gross - fee

	p.Size -= size
	if p.Size <= 1e-12 {
		s.pos = nil
	}
	fill.Status = model.FillFilled
	fill.FilledSize = size
	fill.FilledPrice = price
	fill.Fee = fee
}

func (s *SimBroker) AccountBalance(context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}

// OpenOrders is always empty: simulated orders fill immediately.
func (s *SimBroker) OpenOrders(context.Context, string) ([]model.Order, error) {
	return nil, nil
}

// CancelOrder always fails: there is never a working order to cancel.
func (s *SimBroker) CancelOrder(_ context.Context, _, orderID string) error {
	return fmt.Errorf("%w: no working order %s", ErrOrderRejected, orderID)
}

func (s *SimBroker) Position(_ context.Context, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pos == nil || (symbol != "" && s.pos.Symbol != symbol) {
		return nil, nil
	}
	p := *s.pos
	return &p, nil
}

// Fills returns a snapshot of all fills.
func (s *SimBroker) Fills() []model.Fill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]model.Fill, len(s.fills))
	copy(cp, s.fills)
	return cp
}
