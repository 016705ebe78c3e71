package trigger

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

// Source is one trigger event producer. Run blocks until ctx is cancelled,
// calling emit for every event; emit never blocks the producer beyond the
// dispatcher's queue admission.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(core.TriggerEvent)) error
}

// ManagerOptions holds configuration overrides passed to NewManager.
type ManagerOptions struct {
	// Logger receives source lifecycle events.
	Logger logging.Logger
}

// Manager owns the lifecycle of the dispatcher and its event sources: one
// goroutine per source, all bound to the Run context, failures from any
// source tearing the group down.
type Manager struct {
	dispatcher *Dispatcher
	sources    []Source
	logger     logging.Logger
}

// NewManager constructs a manager over the dispatcher and sources.
func NewManager(dispatcher *Dispatcher, sources []Source, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		dispatcher: dispatcher,
		sources:    sources,
		logger:     opts.Logger,
	}
}

// Run starts the dispatcher and all sources and blocks until ctx is
// cancelled or a source fails. On return all identity workers have drained.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	m.dispatcher.Start(ctx)
	emit := func(ev core.TriggerEvent) {
		if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
			m.logger.Error("event dispatch failed", "event_id", ev.ID, "source", ev.Source, "error", err)
		}
	}

	for _, src := range m.sources {
		src := src
		g.Go(func() error {
			m.logger.Info("trigger source started", "source", src.Name())
			err := src.Run(ctx, emit)
			if err != nil && ctx.Err() == nil {
				m.logger.Error("trigger source failed", "source", src.Name(), "error", err)
				return err
			}
			m.logger.Info("trigger source stopped", "source", src.Name())
			return nil
		})
	}

	err := g.Wait()
	m.dispatcher.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
