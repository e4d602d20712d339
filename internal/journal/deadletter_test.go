package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDeadLetterStore(t *testing.T) {
	ctx := context.Background()

	t.Run("persists dead letters with history", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dlq.jsonl")
		store, err := OpenDeadLetterFile(path)
		require.NoError(t, err)

		env := newEnvelope(t, "ping", 1)
		require.NoError(t, store.Write(ctx, &DeadLetter{
			Envelope:   env,
			Attempts:   3,
			Reason:     "fail-3",
			Errors:     []string{"fail-1", "fail-2", "fail-3"},
			EnqueuedAt: time.Now().UTC(),
		}))
		require.NoError(t, store.Close())

		letters, err := ReadDeadLetters(ctx, path, DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, letters, 1)

		dl := letters[0]
		assert.Equal(t, EventDeadLetter, dl.Event)
		assert.Equal(t, env.ID, dl.Envelope.ID)
		assert.Equal(t, 3, dl.Attempts)
		assert.Equal(t, "fail-3", dl.Reason)
		assert.Equal(t, []string{"fail-1", "fail-2", "fail-3"}, dl.Errors)
		assert.False(t, dl.DeadLetteredAt.IsZero())
	})

	t.Run("missing file lists nothing", func(t *testing.T) {
		letters, err := ReadDeadLetters(ctx, filepath.Join(t.TempDir(), "absent.jsonl"), DeadLetterFilter{})
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("filters by agent and limit", func(t *testing.T) {
		store, err := OpenDeadLetterFile(filepath.Join(t.TempDir(), "dlq.jsonl"), WithSync(false))
		require.NoError(t, err)
		defer store.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, store.Write(ctx, &DeadLetter{Envelope: newEnvelope(t, "ping", i), Attempts: 1}))
		}

		letters, err := store.List(ctx, DeadLetterFilter{Agent: "codex", MaxResults: 2})
		require.NoError(t, err)
		assert.Len(t, letters, 2)

		letters, err = store.List(ctx, DeadLetterFilter{Agent: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("records an envelope once across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dlq.jsonl")
		store, err := OpenDeadLetterFile(path, WithSync(false))
		require.NoError(t, err)

		env := newEnvelope(t, "ping", 1)
		require.NoError(t, store.Write(ctx, &DeadLetter{Envelope: env, Attempts: 3, Reason: "fail-3"}))
		require.NoError(t, store.Write(ctx, &DeadLetter{Envelope: env, Attempts: 4, Reason: "ack deadline exceeded"}))
		require.NoError(t, store.Close())

		reopened, err := OpenDeadLetterFile(path, WithSync(false))
		require.NoError(t, err)
		defer reopened.Close()
		require.NoError(t, reopened.Write(ctx, &DeadLetter{Envelope: env, Attempts: 5}))

		letters, err := reopened.List(ctx, DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, 3, letters[0].Attempts)
		assert.Equal(t, "fail-3", letters[0].Reason)
	})

	t.Run("torn write is cut back", func(t *testing.T) {
		store, err := OpenDeadLetterFile(filepath.Join(t.TempDir(), "dlq.jsonl"), WithSync(false))
		require.NoError(t, err)
		defer store.Close()

		env := newEnvelope(t, "ping", 1)
		tearWrites(&store.ops)
		err = store.Write(ctx, &DeadLetter{Envelope: env, Attempts: 3})
		assert.ErrorIs(t, err, ErrIO)

		store.ops = osFileOps
		require.NoError(t, store.Write(ctx, &DeadLetter{Envelope: env, Attempts: 3}))

		letters, err := store.List(ctx, DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, env.ID, letters[0].Envelope.ID)
	})
}

func TestMemoryDeadLetterStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDeadLetterStore()

	require.NoError(t, store.Write(ctx, &DeadLetter{Envelope: newEnvelope(t, "ping", 1), Attempts: 2, Reason: "boom"}))

	letters, err := store.List(ctx, DeadLetterFilter{Topic: "ping"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, EventDeadLetter, letters[0].Event)

	store.FailWrites(errors.New("read-only"))
	err = store.Write(ctx, &DeadLetter{Envelope: newEnvelope(t, "ping", 2)})
	assert.True(t, errors.Is(err, ErrIO))

	store.FailWrites(nil)
	require.NoError(t, store.Write(ctx, &DeadLetter{Envelope: letters[0].Envelope, Attempts: 3}))
	letters, err = store.List(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Attempts)
}
