package worker

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// Registry resolves agent names to registered worker targets.
type Registry struct {
	store store.Store
}

// NewRegistry creates a registry over the given store.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// ValidateWorker checks required fields and that the endpoint is an
// absolute http(s) URL.
func ValidateWorker(w *store.Worker) error {
	if w.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker name is required")
	}
	if w.Endpoint == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker endpoint is required")
	}
	u, err := url.Parse(w.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"worker endpoint %q must be an absolute http(s) URL", w.Endpoint)
	}
	return nil
}

// Register validates and upserts the worker by name, minting an id for new
// records, and returns the stored record. Re-registering an existing name
// updates its endpoint and refreshes last_seen_at.
func (r *Registry) Register(ctx context.Context, w *store.Worker) (*store.Worker, error) {
	if err := ValidateWorker(w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if err := r.store.RegisterWorker(ctx, w); err != nil {
		return nil, err
	}
	return r.store.GetWorkerByName(ctx, w.Name)
}

// Resolve returns the target registered under name. A missing worker is a
// transport condition rather than a validation one: targets register at
// runtime, so a retry may find what this attempt could not.
func (r *Registry) Resolve(ctx context.Context, name string) (*store.Worker, error) {
	w, err := r.store.GetWorkerByName(ctx, name)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeTransport,
				"no worker registered under name %q", name).WithCause(err)
		}
		return nil, err
	}
	return w, nil
}

// List returns all registered workers.
func (r *Registry) List(ctx context.Context) ([]*store.Worker, error) {
	return r.store.ListWorkers(ctx)
}
