// Package router implements the Router (C7): resolves a (model, capability)
// request into an ordered provider list within the model, then walks the
// model's fallback chain when every provider within it is exhausted.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
)

// ErrCapabilityNotSupported is returned when the entry-point model does not
// declare the requested capability in its endpoints set.
var ErrCapabilityNotSupported = errors.New("capability not supported by model")

// ErrUnknownModel is returned when modelID has no Config Plane entry.
var ErrUnknownModel = errors.New("unknown model")

// ProvidersExhaustedError aggregates the error from every provider tried
// within one model (the model_providers_exhausted condition).
type ProvidersExhaustedError struct {
	ModelID string
	Errors  map[string]error // provider id -> error
	First   error            // first provider error encountered, surfaced verbatim
}

func (e *ProvidersExhaustedError) Error() string {
	return fmt.Sprintf("router: model %s: all %d provider(s) exhausted: %v", e.ModelID, len(e.Errors), e.First)
}

func (e *ProvidersExhaustedError) Unwrap() error { return e.First }

// ChainExhaustedError aggregates the per-model outcome across the entire
// fallback chain (the model_chain_exhausted condition).
type ChainExhaustedError struct {
	Errors map[string]error // model id -> error (usually a *ProvidersExhaustedError)
	First  error
}

func (e *ChainExhaustedError) Error() string {
	return fmt.Sprintf("router: fallback chain exhausted across %d model(s): %v", len(e.Errors), e.First)
}

func (e *ChainExhaustedError) Unwrap() error { return e.First }

// Retryabler lets a provider-level error opt out of triggering failover
// (e.g. 4xx validation/auth errors that would fail identically elsewhere).
// Errors that don't implement it are treated as retryable by default.
type Retryabler interface {
	Retryable() bool
}

// Invoke dispatches one attempt to a single resolved provider and returns
// its result. Callers supply this so the Router stays independent of any
// one capability's request/response shapes.
type Invoke func(ctx context.Context, modelID, providerID string, pc *configplane.ProviderConfig) (any, error)

// Attempt records one provider try, surfaced to the caller for logging and
// analytics even when the overall call succeeds via a later fallback.
type Attempt struct {
	ModelID    string
	ProviderID string
	Err        error
	Latency    time.Duration
}

// Result is returned by Dispatch on success.
type Result struct {
	Value      any
	ModelID    string
	ProviderID string
	Attempts   []Attempt
}

// Router walks a model's routing + fallback chain, trying each provider in
// turn and falling back to the next model on exhaustion.
type Router struct {
	plane *configplane.Plane
	log   *slog.Logger
}

// New returns a Router backed by plane.
func New(plane *configplane.Plane, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{plane: plane, log: log}
}

// Dispatch resolves modelID for capability, tries the providers in its
// routing order (stopping within a model at the first non-retryable error),
// and — whenever the model yields no success — walks fallbacks (different
// models) the same way. A visited-set prevents infinite loops
// even though cycles are already rejected at config-admission time.
func (r *Router) Dispatch(ctx context.Context, modelID, capability string, invoke Invoke) (*Result, error) {
	entry, ok := r.plane.Model(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if !entry.HasCapability(capability) {
		return nil, fmt.Errorf("%w: model %s, capability %s", ErrCapabilityNotSupported, modelID, capability)
	}

	visited := make(map[string]bool)
	modelErrors := make(map[string]error)
	var allAttempts []Attempt
	var firstErr error

	queue := []string{modelID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		model, ok := r.plane.Model(current)
		if !ok {
			modelErrors[current] = ErrUnknownModel
			continue
		}
		if !model.HasCapability(capability) {
			modelErrors[current] = ErrCapabilityNotSupported
			queue = append(queue, model.Fallbacks...)
			continue
		}

		result, attempts, err := r.tryModel(ctx, model, invoke)
		allAttempts = append(allAttempts, attempts...)
		if err == nil {
			result.Attempts = allAttempts
			return result, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		modelErrors[current] = err
		queue = append(queue, model.Fallbacks...)
	}

	if firstErr == nil {
		firstErr = fmt.Errorf("no providers configured for model %s", modelID)
	}
	return nil, &ChainExhaustedError{Errors: modelErrors, First: firstErr}
}

// tryModel attempts every provider in model.Routing in order, stopping at
// the first success or the first non-retryable failure.
func (r *Router) tryModel(ctx context.Context, model *configplane.ModelEntry, invoke Invoke) (*Result, []Attempt, error) {
	providerErrors := make(map[string]error)
	var attempts []Attempt
	var firstErr error

	for _, providerID := range model.Routing {
		pc, ok := model.Providers[providerID]
		if !ok {
			continue // admission already guarantees this, but stay defensive
		}

		start := time.Now()
		value, err := invoke(ctx, model.ID, providerID, &pc)
		latency := time.Since(start)
		attempts = append(attempts, Attempt{ModelID: model.ID, ProviderID: providerID, Err: err, Latency: latency})

		if err == nil {
			return &Result{Value: value, ModelID: model.ID, ProviderID: providerID}, attempts, nil
		}

		if firstErr == nil {
			firstErr = err
		}
		providerErrors[providerID] = err

		r.log.WarnContext(ctx, "router: provider attempt failed",
			slog.String("model", model.ID),
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)

		if !isRetryable(err) {
			break
		}
	}

	if firstErr == nil {
		firstErr = fmt.Errorf("model %s has no usable providers", model.ID)
	}
	return nil, attempts, &ProvidersExhaustedError{ModelID: model.ID, Errors: providerErrors, First: firstErr}
}

// isRetryable mirrors failover.go's policy: explicit opt-outs are honored,
// everything else (including unknown error shapes) is treated as retryable
// so a transient failure on one provider doesn't strand the whole request.
func isRetryable(err error) bool {
	var r Retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
