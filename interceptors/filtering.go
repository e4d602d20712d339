package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lamcomm/agentbus/contracts"
)

// ErrFiltered is returned by SkipWithError filters
var ErrFiltered = errors.New("envelope filtered")

// EnvelopeFilter decides whether an envelope reaches the handler
type EnvelopeFilter interface {
	ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// FilterFunc is a function adapter for EnvelopeFilter
type FilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldProcess implements EnvelopeFilter
func (f FilterFunc) ShouldProcess(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// SkipBehavior defines what happens when an envelope is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the envelope without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the envelope so it is retried and eventually
	// dead-lettered
	SkipWithError
	// SkipWithLog acknowledges the envelope and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor drops envelopes its filter rejects
type FilteringInterceptor struct {
	filter       EnvelopeFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter EnvelopeFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ok, err := i.filter.ShouldProcess(ctx, env)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next.Handle(ctx, env)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return fmt.Errorf("%w: type=%s id=%s", ErrFiltered, env.Type, env.ID)
	case SkipWithLog:
		i.logger.Info("Skipped filtered envelope",
			"envelopeId", env.ID,
			"agent", env.To,
			"type", env.Type,
			"topic", env.Topic)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// AllOf passes envelopes accepted by every filter
func AllOf(filters ...EnvelopeFilter) EnvelopeFilter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf passes envelopes accepted by at least one filter
func AnyOf(filters ...EnvelopeFilter) EnvelopeFilter {
	return FilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// TypeFilter passes envelopes of the given types
func TypeFilter(types ...contracts.MessageType) EnvelopeFilter {
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return slices.Contains(types, env.Type), nil
	})
}

// TopicFilter passes envelopes with one of the given topics
func TopicFilter(topics ...string) EnvelopeFilter {
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return slices.Contains(topics, env.Topic), nil
	})
}

// SenderFilter passes envelopes from one of the given agents
func SenderFilter(agents ...string) EnvelopeFilter {
	return FilterFunc(func(_ context.Context, env *contracts.Envelope) (bool, error) {
		return slices.Contains(agents, env.From), nil
	})
}

// ConditionalInterceptor applies an interceptor only to envelopes the
// condition accepts
type ConditionalInterceptor struct {
	condition   EnvelopeFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition EnvelopeFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	ok, err := i.condition.ShouldProcess(ctx, env)
	if err != nil {
		return err
	}
	if ok {
		return i.interceptor.Intercept(ctx, env, next)
	}
	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
