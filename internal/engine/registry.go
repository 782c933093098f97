package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Effect is an applier bound to one decoded payload. It mutates domain state
// through m and returns the notifications to push once the mutation commits.
type Effect func(ctx context.Context, m domain.StateMutator) ([]domain.NotificationMessage, error)

// Applier turns an envelope into an Effect, decoding and validating its payload.
type Applier interface {
	Bind(env domain.Envelope) (Effect, error)
}

type typedApplier[P any] struct {
	apply func(ctx context.Context, m domain.StateMutator, env domain.Envelope, p P) ([]domain.NotificationMessage, error)
}

// Handle builds an Applier whose payload decodes into P.
func Handle[P any](fn func(ctx context.Context, m domain.StateMutator, env domain.Envelope, p P) ([]domain.NotificationMessage, error)) Applier {
	return typedApplier[P]{apply: fn}
}

func (a typedApplier[P]) Bind(env domain.Envelope) (Effect, error) {
	var p P
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", ErrMalformedEvent, env.EventType, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: validating %s payload: %v", ErrMalformedEvent, env.EventType, err)
	}
	return func(ctx context.Context, m domain.StateMutator) ([]domain.NotificationMessage, error) {
		return a.apply(ctx, m, env, p)
	}, nil
}

// Registry maps each event type to exactly one applier. It is built once at
// startup and never modified.
type Registry struct {
	appliers map[domain.EventType]Applier
}

// NewRegistry validates and freezes the given applier table.
func NewRegistry(appliers map[domain.EventType]Applier) (*Registry, error) {
	table := make(map[domain.EventType]Applier, len(appliers))
	for t, a := range appliers {
		if !t.Valid() {
			return nil, fmt.Errorf("registering applier: %w: %q", ErrUnknownEventType, t)
		}
		if a == nil {
			return nil, fmt.Errorf("registering applier: nil applier for %q", t)
		}
		table[t] = a
	}
	return &Registry{appliers: table}, nil
}

// DefaultRegistry returns a registry covering every event type.
func DefaultRegistry() (*Registry, error) {
	r, err := NewRegistry(DefaultAppliers())
	if err != nil {
		return nil, err
	}
	for _, t := range domain.EventTypes() {
		if _, ok := r.appliers[t]; !ok {
			return nil, fmt.Errorf("no applier registered for %q", t)
		}
	}
	return r, nil
}

// Bind resolves the applier for env and binds its payload.
func (r *Registry) Bind(env domain.Envelope) (Effect, error) {
	a, ok := r.appliers[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	return a.Bind(env)
}

// Types lists the registered event types in sorted order.
func (r *Registry) Types() []domain.EventType {
	types := make([]domain.EventType, 0, len(r.appliers))
	for t := range r.appliers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
