package controller

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/timebomb/pkg/tracing"
)

// Traced wraps a Controller so every call is recorded as a span.
type Traced struct {
	next     Controller
	provider *tracing.Provider
}

// NewTraced returns c wrapped with spans from provider.
func NewTraced(c Controller, provider *tracing.Provider) *Traced {
	return &Traced{next: c, provider: provider}
}

func (t *Traced) call(ctx context.Context, op, resourceID string, fn func(context.Context) (State, error)) (State, error) {
	ctx, span := t.provider.StartSpan(ctx, "controller."+op,
		attribute.String("resource.id", resourceID))
	state, err := fn(ctx)
	span.SetAttributes(attribute.String("resource.state", string(state)))
	tracing.EndSpan(span, err)
	return state, err
}

func (t *Traced) Describe(ctx context.Context, resourceID string) (State, error) {
	return t.call(ctx, "describe", resourceID, func(ctx context.Context) (State, error) {
		return t.next.Describe(ctx, resourceID)
	})
}

func (t *Traced) Stop(ctx context.Context, resourceID string) (State, error) {
	return t.call(ctx, "stop", resourceID, func(ctx context.Context) (State, error) {
		return t.next.Stop(ctx, resourceID)
	})
}

func (t *Traced) Terminate(ctx context.Context, resourceID string) (State, error) {
	return t.call(ctx, "terminate", resourceID, func(ctx context.Context) (State, error) {
		return t.next.Terminate(ctx, resourceID)
	})
}

func (t *Traced) DryRun(ctx context.Context, action Action, resourceID string) error {
	ctx, span := t.provider.StartSpan(ctx, "controller.dry_run",
		attribute.String("resource.id", resourceID),
		attribute.String("action", string(action)))
	err := t.next.DryRun(ctx, action, resourceID)
	tracing.EndSpan(span, err)
	return err
}
