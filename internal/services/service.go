package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/events"
	"creditledger/internal/store"
)

// Service owns every balance-changing operation of the ledger. Each mutation
// runs in one store transaction that locks the account row first and the
// token row second; events and reload checks happen after commit.
type Service struct {
	store  store.Store
	config config.Config
	log    *slog.Logger
	events events.Publisher
	reload *AutoReloadMonitor
	now    func() time.Time
}

// Option customizes a Service built by New.
type Option func(*Service)

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithAutoReload enables top-up checks after token debits.
func WithAutoReload(m *AutoReloadMonitor) Option {
	return func(s *Service) { s.reload = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service with no event subscribers and the wall clock. Options
// are applied in order.
func New(st store.Store, cfg config.Config, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		config: cfg,
		log:    log,
		events: events.Discard,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inTx runs fn in a store transaction and retries it once on a transient
// conflict. fn must assign all of its results on every run.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	err := s.store.InTx(ctx, fn)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	s.log.WarnContext(ctx, "transaction conflict, retrying", "op", op, "error", err)
	err = s.store.InTx(ctx, fn)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return err
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	s.events.Publish(ctx, e)
}
