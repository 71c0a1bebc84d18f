// Package events fans ledger domain events out to subscribers.
//
// Publishing never blocks a ledger transaction: events are queued and
// delivered by a background worker after the mutation has committed.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	BalanceChanged      Kind = "balance.changed"
	ReloadTriggered     Kind = "reload.triggered"
	SubscriptionChanged Kind = "subscription.changed"
)

type Event struct {
	Kind          Kind      `json:"kind"`
	AccountID     int64     `json:"account_id"`
	Balance       int       `json:"balance"`
	Delta         int       `json:"delta,omitempty"`
	Source        string    `json:"source,omitempty"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Amount        int       `json:"amount,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

const deliverTimeout = 10 * time.Second

// Dispatcher queues events and hands them to every subscriber in order.
type Dispatcher struct {
	log   *slog.Logger
	subs  []Subscriber
	queue chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher buffers up to size events; size <= 0 means 256.
func NewDispatcher(log *slog.Logger, size int, subs ...Subscriber) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		log:   log,
		subs:  subs,
		queue: make(chan Event, size),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop delivers what is already queued and then returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Publish(_ context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("event dropped after shutdown", "kind", e.Kind, "account_id", e.AccountID)
		return
	}
	select {
	case d.queue <- e:
	default:
		d.log.Warn("event queue full, dropping event", "kind", e.Kind, "account_id", e.AccountID)
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	for _, sub := range d.subs {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := sub.Handle(ctx, e); err != nil {
			d.log.Error("event subscriber failed",
				"subscriber", sub.Name(), "kind", e.Kind, "account_id", e.AccountID, "error", err)
		}
		cancel()
	}
}

// LogSubscriber writes every event to the structured log.
type LogSubscriber struct {
	log *slog.Logger
}

func NewLogSubscriber(log *slog.Logger) *LogSubscriber {
	return &LogSubscriber{log: log}
}

func (s *LogSubscriber) Name() string { return "log" }

func (s *LogSubscriber) Handle(ctx context.Context, e Event) error {
	s.log.InfoContext(ctx, "domain event",
		"kind", e.Kind,
		"account_id", e.AccountID,
		"balance", e.Balance,
		"delta", e.Delta,
		"source", e.Source,
		"transaction_id", e.TransactionID,
	)
	return nil
}
