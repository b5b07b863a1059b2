package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

const sendTimeout = 15 * time.Second

// Dispatcher consumes domain events off the decision stream: closed trades
// are journaled, every event is published to the event stream and turned
// into an operator alert. Delivery is asynchronous; failures are logged and
// never reach the caller.
type Dispatcher struct {
	notifier  Notifier
	journal   model.TradeJournal   // optional
	publisher model.EventPublisher // optional

	ch        chan model.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
	log       *slog.Logger

	// OnDrop is called when an event is dropped because the queue is full.
	OnDrop func(kind model.EventKind)
}

// NewDispatcher creates a dispatcher. journal and publisher may be nil.
func NewDispatcher(n Notifier, journal model.TradeJournal, publisher model.EventPublisher, buffer int) *Dispatcher {
	if n == nil {
		n = NewLogNotifier()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		notifier:  n,
		journal:   journal,
		publisher: publisher,
		ch:        make(chan model.Event, buffer),
		log:       slog.Default().With("component", "dispatcher"),
	}
}

// Start launches the delivery goroutine. ctx only scopes logging; the
// dispatcher drains until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.ch {
			d.handle(context.WithoutCancel(ctx), ev)
		}
	}()
}

// Dispatch queues events without blocking the decision stream, except for
// closed trades and critical alerts, which wait for room in the queue.
func (d *Dispatcher) Dispatch(events ...model.Event) {
	for _, ev := range events {
		if mustDeliver(ev) {
			d.ch <- ev
			continue
		}
		select {
		case d.ch <- ev:
		default:
			d.log.Warn("event queue full, dropping", "kind", ev.Kind)
			if d.OnDrop != nil {
				d.OnDrop(ev.Kind)
			}
		}
	}
}

func mustDeliver(ev model.Event) bool {
	return ev.Kind == model.EventTradeClosed ||
		(ev.Kind == model.EventAlert && ev.Severity == model.SeverityCritical)
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.ch) })
	d.wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, ev model.Event) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if ev.Kind == model.EventTradeClosed && ev.Trade != nil && d.journal != nil {
		id, err := d.journal.Append(ctx, *ev.Trade)
		if err != nil {
			d.log.Error("journal append failed", "error", err)
		} else {
			ev.Trade.ID = id
		}
	}
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.log.Warn("event publish failed", "kind", ev.Kind, "error", err)
		}
	}
	if err := d.notifier.Send(ctx, ToAlert(ev)); err != nil {
		d.log.Warn("alert delivery failed", "kind", ev.Kind, "error", err)
	}
}

// ToAlert renders a domain event for operators.
func ToAlert(ev model.Event) Alert {
	a := Alert{Level: model.SeverityInfo, Symbol: ev.Symbol, TS: ev.TS}
	side := strings.ToUpper(string(ev.Side))
	switch ev.Kind {
	case model.EventTradeOpened:
		a.Title = side + " opened"
		a.Message = fmt.Sprintf("entry %.2f size %.6f stop %.2f", ev.EntryPrice, ev.Size, ev.StopPrice)
	case model.EventTradeClosed:
		a.Title = side + " closed"
		reason := ""
		if ev.Trade != nil && ev.Trade.Reason != "" {
			reason = " (" + ev.Trade.Reason + ")"
		}
		a.Message = fmt.Sprintf("entry %.2f exit %.2f size %.6f pnl %+.4f fee %.4f%s",
			ev.EntryPrice, ev.ExitPrice, ev.Size, ev.PnL, ev.Fee, reason)
		if ev.PnL < 0 {
			a.Level = model.SeverityWarning
		}
	case model.EventStopAdjusted:
		a.Title = side + " stop moved"
		a.Message = fmt.Sprintf("new stop %.2f", ev.StopPrice)
	case model.EventAlert:
		a.Level = ev.Severity
		a.Title = string(ev.Severity)
		a.Message = ev.Message
	default:
		a.Title = string(ev.Kind)
	}
	return a
}
