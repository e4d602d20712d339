package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnvelope(t *testing.T, topic string, seq int) *contracts.Envelope {
	t.Helper()
	env, err := contracts.New("codex", "operator", contracts.TypeTask, topic, map[string]any{"seq": seq}, contracts.Meta{})
	require.NoError(t, err)
	return env
}

func collect(t *testing.T, j Journal) []*Entry {
	t.Helper()
	var entries []*Entry
	for entry, err := range j.Replay(context.Background()) {
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	return entries
}

func TestFileJournal(t *testing.T) {
	ctx := context.Background()

	t.Run("creates parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "data", "queue.jsonl")
		j, err := OpenFile(path)
		require.NoError(t, err)
		defer j.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("replays entries in append order", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		j, err := OpenFile(path)
		require.NoError(t, err)

		first := newEnvelope(t, "alpha", 1)
		second := newEnvelope(t, "beta", 2)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, DeliveryID: first.ID, State: StatePending, Envelope: first}))
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, DeliveryID: second.ID, State: StatePending, Envelope: second}))
		require.NoError(t, j.Append(ctx, &Entry{Event: EventAck, DeliveryID: first.ID, State: StateAcked, Envelope: first}))
		require.NoError(t, j.Close())

		reopened, err := OpenFile(path)
		require.NoError(t, err)
		defer reopened.Close()

		entries := collect(t, reopened)
		require.Len(t, entries, 3)
		assert.Equal(t, EventSend, entries[0].Event)
		assert.Equal(t, first.ID, entries[0].ID())
		assert.Equal(t, second.ID, entries[1].ID())
		assert.Equal(t, EventAck, entries[2].Event)
		assert.Equal(t, first, entries[0].Envelope)
	})

	t.Run("replay is restartable", func(t *testing.T) {
		j, err := OpenFile(filepath.Join(t.TempDir(), "queue.jsonl"))
		require.NoError(t, err)
		defer j.Close()

		env := newEnvelope(t, "alpha", 1)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: env}))

		assert.Len(t, collect(t, j), 1)
		assert.Len(t, collect(t, j), 1)
	})

	t.Run("replay stops when the consumer stops", func(t *testing.T) {
		j, err := OpenFile(filepath.Join(t.TempDir(), "queue.jsonl"))
		require.NoError(t, err)
		defer j.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: newEnvelope(t, "t", i)}))
		}

		seen := 0
		for _, err := range j.Replay(ctx) {
			require.NoError(t, err)
			seen++
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	})

	t.Run("accepts minimal records", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		env := newEnvelope(t, "recover", 1)
		line, err := json.Marshal(map[string]any{"event": "receive", "envelope": env})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, append(line, '\n'), 0o644))

		j, err := OpenFile(path)
		require.NoError(t, err)
		defer j.Close()

		entries := collect(t, j)
		require.Len(t, entries, 1)
		assert.Equal(t, env.ID, entries[0].ID())
		assert.Equal(t, StateInFlight, entries[0].EffectiveState())
	})

	t.Run("truncates a torn final line", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		env := newEnvelope(t, "alpha", 1)
		line, err := json.Marshal(&Entry{Event: EventSend, Envelope: env})
		require.NoError(t, err)
		content := string(line) + "\n" + `{"event":"send","envel`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		j, err := OpenFile(path)
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventAck, Envelope: env}))
		require.NoError(t, j.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		assert.Len(t, lines, 2)

		reopened, err := OpenFile(path)
		require.NoError(t, err)
		defer reopened.Close()
		assert.Len(t, collect(t, reopened), 2)
	})

	t.Run("keeps a complete final line without newline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		env := newEnvelope(t, "alpha", 1)
		line, err := json.Marshal(&Entry{Event: EventSend, Envelope: env})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, line, 0o644))

		j, err := OpenFile(path)
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventAck, Envelope: env}))
		defer j.Close()

		entries := collect(t, j)
		require.Len(t, entries, 2)
		assert.Equal(t, EventSend, entries[0].Event)
		assert.Equal(t, EventAck, entries[1].Event)
	})

	t.Run("reports corrupt lines", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("garbage\n{}\n"), 0o644))

		j, err := OpenFile(path)
		require.NoError(t, err)
		defer j.Close()

		var replayErr error
		for _, err := range j.Replay(ctx) {
			if err != nil {
				replayErr = err
			}
		}
		require.Error(t, replayErr)
		assert.True(t, errors.Is(replayErr, ErrCorrupt))

		var corrupt *CorruptEntryError
		require.True(t, errors.As(replayErr, &corrupt))
		assert.Equal(t, 1, corrupt.Line)
	})

	t.Run("serializes concurrent appends", func(t *testing.T) {
		j, err := OpenFile(filepath.Join(t.TempDir(), "queue.jsonl"), WithSync(false))
		require.NoError(t, err)
		defer j.Close()

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					env, err := contracts.New("codex", fmt.Sprintf("worker-%d", w), contracts.TypeEvent, "load", map[string]any{"i": i}, contracts.Meta{})
					if assert.NoError(t, err) {
						assert.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: env}))
					}
				}
			}(w)
		}
		wg.Wait()

		assert.Len(t, collect(t, j), 200)
		assert.Equal(t, int64(200), j.Stats().Appended)
	})

	t.Run("rejects appends after close", func(t *testing.T) {
		j, err := OpenFile(filepath.Join(t.TempDir(), "queue.jsonl"))
		require.NoError(t, err)
		require.NoError(t, j.Close())

		err = j.Append(ctx, &Entry{Event: EventSend, Envelope: newEnvelope(t, "late", 1)})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("rewrite replaces the journal atomically", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		j, err := OpenFile(path)
		require.NoError(t, err)
		defer j.Close()

		keep := newEnvelope(t, "keep", 1)
		drop := newEnvelope(t, "drop", 2)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: keep}))
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: drop}))
		require.NoError(t, j.Append(ctx, &Entry{Event: EventAck, Envelope: drop}))

		require.NoError(t, j.Rewrite(ctx, []*Entry{{Event: EventSend, State: StatePending, Envelope: keep}}))
		require.NoError(t, j.Append(ctx, &Entry{Event: EventReceive, Envelope: keep}))

		entries := collect(t, j)
		require.Len(t, entries, 2)
		assert.Equal(t, keep.ID, entries[0].ID())
		assert.Equal(t, EventReceive, entries[1].Event)

		_, err = os.Stat(path + ".compact")
		assert.True(t, os.IsNotExist(err))
	})
}

// tearWrites makes the next write land only half of its bytes
func tearWrites(ops *fileOps) {
	ops.write = func(f *os.File, b []byte) (int, error) {
		n, _ := f.Write(b[:len(b)/2])
		return n, errors.New("no space left on device")
	}
}

func TestFileJournalFailedWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("torn write is cut back before the next append", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		j, err := OpenFile(path)
		require.NoError(t, err)
		defer j.Close()

		env := newEnvelope(t, "alpha", 1)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: env}))

		tearWrites(&j.ops)
		err = j.Append(ctx, &Entry{Event: EventReceive, Envelope: env})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIO)

		j.ops = osFileOps
		require.NoError(t, j.Append(ctx, &Entry{Event: EventAck, Envelope: env}))

		entries := collect(t, j)
		require.Len(t, entries, 2)
		assert.Equal(t, EventSend, entries[0].Event)
		assert.Equal(t, EventAck, entries[1].Event)
		assert.Equal(t, int64(1), j.Stats().Failures)
	})

	t.Run("short write without error is cut back", func(t *testing.T) {
		j, err := OpenFile(filepath.Join(t.TempDir(), "queue.jsonl"))
		require.NoError(t, err)
		defer j.Close()

		env := newEnvelope(t, "alpha", 1)
		j.ops.write = func(f *os.File, b []byte) (int, error) {
			return f.Write(b[:3])
		}
		err = j.Append(ctx, &Entry{Event: EventSend, Envelope: env})
		assert.ErrorIs(t, err, ErrIO)

		j.ops = osFileOps
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: env}))
		assert.Len(t, collect(t, j), 1)
	})

	t.Run("failed truncate refuses later appends until reopened", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		j, err := OpenFile(path)
		require.NoError(t, err)

		env := newEnvelope(t, "alpha", 1)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: env}))

		tearWrites(&j.ops)
		j.ops.truncate = func(*os.File, int64) error {
			return errors.New("read-only file system")
		}
		require.Error(t, j.Append(ctx, &Entry{Event: EventReceive, Envelope: env}))

		j.ops = osFileOps
		err = j.Append(ctx, &Entry{Event: EventAck, Envelope: env})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIO)
		assert.ErrorIs(t, err, ErrBroken)
		require.NoError(t, j.Close())

		reopened, err := OpenFile(path)
		require.NoError(t, err)
		defer reopened.Close()
		require.NoError(t, reopened.Append(ctx, &Entry{Event: EventAck, Envelope: env}))

		entries := collect(t, reopened)
		require.Len(t, entries, 2)
		assert.Equal(t, EventAck, entries[1].Event)
	})

	t.Run("failed reopen after rewrite refuses appends", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.jsonl")
		j, err := OpenFile(path)
		require.NoError(t, err)
		defer j.Close()

		env := newEnvelope(t, "keep", 1)
		require.NoError(t, j.Append(ctx, &Entry{Event: EventSend, Envelope: env}))

		j.ops.open = func(string) (*os.File, error) {
			return nil, &IOError{Op: "open", Path: path, Err: errors.New("too many open files")}
		}
		entries := []*Entry{{Event: EventSend, State: StatePending, Envelope: env}}
		require.Error(t, j.Rewrite(ctx, entries))

		err = j.Append(ctx, &Entry{Event: EventReceive, Envelope: env})
		assert.ErrorIs(t, err, ErrBroken)

		j.ops = osFileOps
		require.NoError(t, j.Rewrite(ctx, entries))
		require.NoError(t, j.Append(ctx, &Entry{Event: EventReceive, Envelope: env}))

		replayed := collect(t, j)
		require.Len(t, replayed, 2)
		assert.Equal(t, EventReceive, replayed[1].Event)
	})
}

func TestIOError(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("enqueue: %w", &IOError{Op: "append", Path: "data/queue.jsonl", Err: cause})

	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "data/queue.jsonl")
}

func TestEntryDefaults(t *testing.T) {
	entry := &Entry{Event: EventDeadLetter, Envelope: &contracts.Envelope{ID: "env-1"}}
	assert.Equal(t, "env-1", entry.ID())
	assert.Equal(t, StateDeadLettered, entry.EffectiveState())
	assert.True(t, entry.EffectiveState().Terminal())

	entry.DeliveryID = "delivery-1"
	entry.State = StatePending
	assert.Equal(t, "delivery-1", entry.ID())
	assert.False(t, entry.EffectiveState().Terminal())

	next := time.Now()
	entry.NextAttemptAt = &next
	assert.NotNil(t, entry.NextAttemptAt)
}
