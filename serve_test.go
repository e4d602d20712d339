package agentbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/interceptors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingAgent struct{}

func (pingAgent) Answer(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
	msg, _ := env.Payload["msg"].AsString()
	if msg != "ping" {
		return nil, errors.New("unexpected message")
	}
	return map[string]any{"msg": "pong"}, nil
}

func serve(t *testing.T, b *Bus, agent string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, agent) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestServeAnswerer(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	b := newBus(t, cfg)
	require.NoError(t, b.RegisterAgent("codex", pingAgent{}))
	register(t, b, "operator")
	serve(t, b, "codex")

	id, err := b.Send(ctx, "codex", map[string]any{"msg": "ping"},
		WithFrom("operator"), WithTopic("ping"), WithTraceID("trace-7"))
	require.NoError(t, err)

	reply := receive(t, b, "operator")
	assert.Equal(t, contracts.TypeReply, reply.Envelope.Type)
	assert.Equal(t, "codex", reply.Envelope.From)
	assert.Equal(t, "ping", reply.Envelope.Topic)
	assert.Equal(t, "trace-7", reply.Envelope.Meta.TraceID)
	assert.Equal(t, "pong", reply.Payload()["msg"])
	inReplyTo, _ := reply.Envelope.Meta.Extra["in_reply_to"].AsString()
	assert.Equal(t, id, inReplyTo)
	require.NoError(t, b.Ack(ctx, reply.ID, true))

	assert.Eventually(t, func() bool {
		return b.Stats().Queue.Acked == 2
	}, time.Second, 10*time.Millisecond)
}

func TestServeHandlerFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MaxAttempts = 2
	cfg.ReceiveTimeout = Duration(20 * time.Millisecond)

	var calls atomic.Int32
	b := newBus(t, cfg)
	require.NoError(t, b.RegisterAgent("codex", HandlerFunc(func(context.Context, *contracts.Envelope) error {
		calls.Add(1)
		panic("handler bug")
	})))
	register(t, b, "operator")
	serve(t, b, "codex")

	id, err := b.Send(ctx, "codex", map[string]any{}, WithFrom("operator"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		letters, err := b.DeadLetters(ctx, DeadLetterFilter{})
		return err == nil && len(letters) == 1
	}, 2*time.Second, 10*time.Millisecond)

	letters, err := b.DeadLetters(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	assert.Equal(t, id, letters[0].Envelope.ID)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "handler bug")
	assert.Equal(t, int32(2), calls.Load())
}

func TestServeRunsCustomInterceptors(t *testing.T) {
	ctx := context.Background()
	var seen atomic.Int32
	audit := interceptors.NewInterceptorFunc("audit", func(ctx context.Context, env *contracts.Envelope, next interceptors.Handler) error {
		seen.Add(1)
		return next.Handle(ctx, env)
	})

	b := newBus(t, testConfig(t), WithInterceptors(audit), WithHandlerTimeout(time.Second))
	require.NoError(t, b.RegisterAgent("codex", func(context.Context, *contracts.Envelope) error { return nil }))
	register(t, b, "operator")
	serve(t, b, "codex")

	_, err := b.Send(ctx, "codex", map[string]any{}, WithFrom("operator"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return b.Stats().Queue.Acked == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), seen.Load())
}

func TestServeRequiresHandler(t *testing.T) {
	b := newBus(t, testConfig(t))
	register(t, b, "codex")

	assert.ErrorIs(t, b.Serve(context.Background(), "codex"), ErrNoHandler)
	assert.ErrorIs(t, b.Serve(context.Background(), "ghost"), ErrUnknownAgent)
}

func TestServeStopsOnClose(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, b.RegisterAgent("codex", pingAgent{}))

	done := make(chan error, 1)
	go func() { done <- b.Serve(context.Background(), "codex") }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
