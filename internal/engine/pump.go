package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

const (
	DefaultPumpInterval = time.Second
	DefaultPumpLimit    = 64
)

// Pump polls the store for executions holding a due timer or a due decision
// timeout and advances them. It is the only spontaneous caller of Advance;
// everything else reacts to an API call or to process startup. Suspended
// steps carry their wake-up time in the store, so the pump needs no
// per-timer goroutines and survives restarts with nothing to rebuild.
type Pump struct {
	engine   *Engine
	store    store.Store
	interval time.Duration
	limit    int
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPump creates a pump over the engine and store. Non-positive interval
// and limit fall back to the defaults.
func NewPump(engine *Engine, st store.Store, interval time.Duration, limit int, logger *slog.Logger) *Pump {
	if interval <= 0 {
		interval = DefaultPumpInterval
	}
	if limit <= 0 {
		limit = DefaultPumpLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		engine:   engine,
		store:    st,
		interval: interval,
		limit:    limit,
		logger:   logger,
	}
}

// Start launches the background pump loop.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("pump already started")
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(pumpCtx)
	p.logger.Info("pump started", slog.Duration("interval", p.interval))
	return nil
}

func (p *Pump) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick advances every execution with a due resume condition. A tick that
// fills the scan limit leaves the rest for the next tick; ListDueExecutionIDs
// keeps returning an execution until its due work is applied.
func (p *Pump) tick(ctx context.Context) {
	ids, err := p.store.ListDueExecutionIDs(ctx, time.Now().UTC(), p.limit)
	if err != nil {
		p.logger.Error("list due executions", slog.String("error", err.Error()))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := p.engine.Advance(ctx, id); err != nil {
			if schema.IsCode(err, schema.ErrCodeCancelled) {
				continue
			}
			p.logger.Error("advance due execution",
				slog.String("execution_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (p *Pump) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}

	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil

	p.logger.Info("pump stopped")
	return nil
}
