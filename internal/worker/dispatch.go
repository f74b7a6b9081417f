package worker

import (
	"context"
	"log/slog"

	"github.com/droverhq/drover/pkg/schema"
)

// Dispatcher resolves an agent name to its registered target and guards the
// call with that target's circuit breaker.
type Dispatcher struct {
	registry *Registry
	client   Client
	breakers *Breakers
	logger   *slog.Logger
}

// NewDispatcher wires the three dispatch stages together.
func NewDispatcher(registry *Registry, client Client, breakers *Breakers, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		client:   client,
		breakers: breakers,
		logger:   logger,
	}
}

// Dispatch sends one attempt to the named agent's target. Transport and
// timeout failures count against the target's circuit; a business error
// proves the target reachable and clears it; cancellation says nothing
// about target health and records neither.
func (d *Dispatcher) Dispatch(ctx context.Context, agent string, req *TaskRequest) (any, error) {
	target, err := d.registry.Resolve(ctx, agent)
	if err != nil {
		return nil, err
	}

	if err := d.breakers.Allow(target.Name); err != nil {
		return nil, err
	}

	output, err := d.client.Invoke(ctx, target, req)
	if err != nil {
		switch schema.CodeOf(err) {
		case schema.ErrCodeTransport, schema.ErrCodeTimeout:
			if d.breakers.Failure(target.Name) == BreakerOpen {
				d.logger.Warn("worker circuit opened",
					slog.String("worker", target.Name),
					slog.String("step_id", req.StepID))
			}
		case schema.ErrCodeCancelled:
		default:
			d.breakers.Success(target.Name)
		}
		return nil, err
	}

	d.breakers.Success(target.Name)
	return output, nil
}

// Breakers exposes the circuit set for diagnostics.
func (d *Dispatcher) Breakers() *Breakers {
	return d.breakers
}
