package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/queue"
	"github.com/lamcomm/agentbus/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewComponentChecker(name, func(ctx context.Context) (Status, string, map[string]any, error) {
		return status, string(status), nil, nil
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(ctx).Status)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("a", StatusHealthy))
		r.Register(staticChecker("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(ctx).Status)

		r.Register(staticChecker("c", StatusUnhealthy))
		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Len(t, health.Checks, 3)

		r.Register(staticChecker("c", StatusHealthy))
		assert.Equal(t, StatusDegraded, r.Check(ctx).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, map[string]any, error) {
			time.Sleep(200 * time.Millisecond)
			return StatusHealthy, "", nil, nil
		}))

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		health := r.Check(cctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.SetMetadata("journal_path", "data/queue.jsonl")
	r.Register(staticChecker("journal", StatusUnhealthy))

	rec := httptest.NewRecorder()
	NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body OverallHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "data/queue.jsonl", body.Metadata["journal_path"])

	rec = httptest.NewRecorder()
	NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJournalChecker(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemoryJournal()
	checker := NewJournalChecker(j)
	env, err := contracts.New("codex", "operator", contracts.TypeTask, "", nil, contracts.Meta{})
	require.NoError(t, err)

	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	j.FailAppends(errors.New("disk full"))
	assert.Error(t, j.Append(ctx, &journal.Entry{Event: journal.EventSend, Envelope: env}))
	assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)

	j.FailAppends(nil)
	require.NoError(t, j.Append(ctx, &journal.Entry{Event: journal.EventSend, Envelope: env}))
	assert.Equal(t, StatusDegraded, checker.Check(ctx).Status)
}

func TestBacklogChecker(t *testing.T) {
	ctx := context.Background()
	q := queue.New(journal.NewMemoryJournal())
	checker := NewBacklogChecker(q, 2, 3)

	enqueue := func() {
		env, err := contracts.New("codex", "operator", contracts.TypeTask, "", nil, contracts.Meta{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, env)
		require.NoError(t, err)
	}

	enqueue()
	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)
	enqueue()
	assert.Equal(t, StatusDegraded, checker.Check(ctx).Status)
	enqueue()
	assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)
}

func TestDeadLetterChecker(t *testing.T) {
	ctx := context.Background()
	store := journal.NewMemoryDeadLetterStore()
	checker := NewDeadLetterChecker(store, 1)

	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	env, err := contracts.New("codex", "operator", contracts.TypeTask, "", nil, contracts.Meta{})
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, &journal.DeadLetter{Envelope: env, Attempts: 3}))

	result := checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 1, result.Details["count"])
}

func TestBreakerChecker(t *testing.T) {
	ctx := context.Background()
	cb := reliability.NewCircuitBreaker(reliability.WithName("amqp"), reliability.WithFailureThreshold(1))
	checker := NewBreakerChecker(cb)

	assert.Equal(t, "circuit_amqp", checker.Name())
	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	assert.Equal(t, StatusDegraded, checker.Check(ctx).Status)
}

func TestGoroutineChecker(t *testing.T) {
	result := NewGoroutineChecker(100000, 200000).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")
}
