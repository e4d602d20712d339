package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
)

// MemoryJournal keeps entries in memory. It honours the Journal contract
// within one process and is used by tests and ephemeral buses.
type MemoryJournal struct {
	entries      [][]byte
	byDeliveryID map[string][]int
	mu           sync.RWMutex
	closed       bool
	failWith     error
	stats        statsTracker
}

// NewMemoryJournal creates an empty in-memory journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		byDeliveryID: make(map[string][]int),
	}
}

// FailAppends makes every following Append fail with err wrapped in an
// IOError; nil restores normal behaviour.
func (j *MemoryJournal) FailAppends(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failWith = err
}

// Append implements Journal. Entries are stored encoded so later changes to
// the caller's entry or envelope cannot leak into the log.
func (j *MemoryJournal) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.failWith != nil {
		ioErr := &IOError{Op: "append", Err: j.failWith}
		j.stats.record(entry, ioErr)
		return ioErr
	}

	j.entries = append(j.entries, data)
	if id := entry.ID(); id != "" {
		j.byDeliveryID[id] = append(j.byDeliveryID[id], len(j.entries)-1)
	}
	j.stats.record(entry, nil)
	return nil
}

// Replay implements Journal
func (j *MemoryJournal) Replay(ctx context.Context) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		j.mu.RLock()
		snapshot := make([][]byte, len(j.entries))
		copy(snapshot, j.entries)
		j.mu.RUnlock()

		for i, data := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				yield(nil, &CorruptEntryError{Path: "memory", Line: i + 1, Err: err})
				return
			}
			if !yield(&entry, nil) {
				return
			}
		}
	}
}

// Rewrite implements Journal
func (j *MemoryJournal) Rewrite(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal journal entry: %w", err)
		}
		encoded = append(encoded, data)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.failWith != nil {
		return &IOError{Op: "rewrite", Err: j.failWith}
	}

	j.entries = encoded
	j.rebuildIndexes()
	return nil
}

// History returns every entry recorded for one delivery, oldest first
func (j *MemoryJournal) History(deliveryID string) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	positions := j.byDeliveryID[deliveryID]
	result := make([]*Entry, 0, len(positions))
	for _, pos := range positions {
		var entry Entry
		if err := json.Unmarshal(j.entries[pos], &entry); err == nil {
			result = append(result, &entry)
		}
	}
	return result
}

// Events returns the event names in append order
func (j *MemoryJournal) Events() []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	events := make([]Event, 0, len(j.entries))
	for _, data := range j.entries {
		var head struct {
			Event Event `json:"event"`
		}
		if err := json.Unmarshal(data, &head); err == nil {
			events = append(events, head.Event)
		}
	}
	return events
}

// Len returns the number of stored entries
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Stats implements Journal
func (j *MemoryJournal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats.snapshot()
}

// Close implements Journal
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

// rebuildIndexes rebuilds the delivery id index
func (j *MemoryJournal) rebuildIndexes() {
	j.byDeliveryID = make(map[string][]int)
	for pos, data := range j.entries {
		var head struct {
			DeliveryID string `json:"delivery_id"`
			Envelope   *struct {
				ID string `json:"id"`
			} `json:"envelope"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}
		id := head.DeliveryID
		if id == "" && head.Envelope != nil {
			id = head.Envelope.ID
		}
		if id != "" {
			j.byDeliveryID[id] = append(j.byDeliveryID[id], pos)
		}
	}
}

var _ Journal = (*MemoryJournal)(nil)
var _ Journal = (*FileJournal)(nil)
