package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeOf(t *testing.T, typ contracts.MessageType, topic, from string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.New("codex", from, typ, topic, nil, contracts.Meta{})
	require.NoError(t, err)
	return env
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	task := envelopeOf(t, contracts.TypeTask, "build", "operator")
	event := envelopeOf(t, contracts.TypeEvent, "deploy", "monitor")

	tests := []struct {
		name   string
		filter EnvelopeFilter
		env    *contracts.Envelope
		want   bool
	}{
		{"type match", TypeFilter(contracts.TypeTask), task, true},
		{"type miss", TypeFilter(contracts.TypeTask), event, false},
		{"topic match", TopicFilter("deploy", "release"), event, true},
		{"sender miss", SenderFilter("operator"), event, false},
		{"all of", AllOf(TypeFilter(contracts.TypeTask), TopicFilter("build")), task, true},
		{"all of with a miss", AllOf(TypeFilter(contracts.TypeTask), TopicFilter("deploy")), task, false},
		{"any of", AnyOf(TypeFilter(contracts.TypeReply), SenderFilter("monitor")), event, true},
		{"any of none", AnyOf(TypeFilter(contracts.TypeReply), SenderFilter("codex")), event, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.ShouldProcess(ctx, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("errors stop composition", func(t *testing.T) {
		broken := FilterFunc(func(context.Context, *contracts.Envelope) (bool, error) {
			return false, errors.New("lookup failed")
		})
		_, err := AnyOf(broken, TypeFilter(contracts.TypeTask)).ShouldProcess(ctx, task)
		assert.Error(t, err)
	})
}

func TestFilteringInterceptor(t *testing.T) {
	ctx := context.Background()
	event := envelopeOf(t, contracts.TypeEvent, "deploy", "monitor")
	handler := &mockHandler{}

	t.Run("skip silently acknowledges", func(t *testing.T) {
		interceptor := NewFilteringInterceptor(TypeFilter(contracts.TypeTask), SkipSilently, nil)
		assert.NoError(t, interceptor.Intercept(ctx, event, handler))
	})

	t.Run("skip with log acknowledges", func(t *testing.T) {
		interceptor := NewFilteringInterceptor(TypeFilter(contracts.TypeTask), SkipWithLog, nil)
		assert.NoError(t, interceptor.Intercept(ctx, event, handler))
	})

	t.Run("skip with error fails the delivery", func(t *testing.T) {
		interceptor := NewFilteringInterceptor(TypeFilter(contracts.TypeTask), SkipWithError, nil)
		assert.ErrorIs(t, interceptor.Intercept(ctx, event, handler), ErrFiltered)
	})

	handler.AssertNotCalled(t, "Handle")
}

func TestConditionalInterceptor(t *testing.T) {
	ctx := context.Background()
	var calls []string
	interceptor := NewConditionalInterceptor(TopicFilter("build"), recording("audit", &calls))
	final := HandlerFunc(func(context.Context, *contracts.Envelope) error { return nil })

	require.NoError(t, interceptor.Intercept(ctx, envelopeOf(t, contracts.TypeTask, "deploy", "operator"), final))
	assert.Empty(t, calls)

	require.NoError(t, interceptor.Intercept(ctx, envelopeOf(t, contracts.TypeTask, "build", "operator"), final))
	assert.Equal(t, []string{"audit:before", "audit:after"}, calls)
	assert.Equal(t, "ConditionalInterceptor[audit]", interceptor.Name())
}
