package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/lamcomm/agentbus/contracts"
)

// DefaultDeadLetterPath is the dead-letter location used when none is configured
const DefaultDeadLetterPath = "data/dlq.jsonl"

// DeadLetter is the permanent record of an envelope that exhausted its
// delivery attempts
type DeadLetter struct {
	Event          Event               `json:"event"`
	Envelope       *contracts.Envelope `json:"envelope"`
	Attempts       int                 `json:"attempt_count"`
	Reason         string              `json:"reason"`
	Errors         []string            `json:"errors,omitempty"`
	EnqueuedAt     time.Time           `json:"enqueued_at"`
	DeadLetteredAt time.Time           `json:"dead_lettered_at"`
}

// DeadLetterFilter narrows List results
type DeadLetterFilter struct {
	Agent      string
	Topic      string
	Since      time.Time
	MaxResults int
}

func (f DeadLetterFilter) match(dl *DeadLetter) bool {
	if dl.Envelope == nil {
		return f.Agent == "" && f.Topic == ""
	}
	if f.Agent != "" && dl.Envelope.To != f.Agent {
		return false
	}
	if f.Topic != "" && dl.Envelope.Topic != f.Topic {
		return false
	}
	if !f.Since.IsZero() && dl.DeadLetteredAt.Before(f.Since) {
		return false
	}
	return true
}

// DeadLetterStore persists dead letters separately from the journal so they
// can be inspected without scanning the full history. Writing a dead letter
// for an envelope id the store already holds is a no-op, so a dead letter
// retried after a failed journal append is recorded once.
type DeadLetterStore interface {
	Write(ctx context.Context, dl *DeadLetter) error
	List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error)
	Close() error
}

var now = time.Now

func deadLetterID(dl *DeadLetter) string {
	if dl.Envelope == nil {
		return ""
	}
	return dl.Envelope.ID
}

func prepareDeadLetter(dl *DeadLetter) {
	dl.Event = EventDeadLetter
	if dl.DeadLetteredAt.IsZero() {
		dl.DeadLetteredAt = now().UTC()
	}
}

// FileDeadLetterStore appends dead letters to a JSONL file
type FileDeadLetterStore struct {
	path   string
	file   *os.File
	sync   bool
	logger *slog.Logger
	ops    fileOps
	mu     sync.Mutex
	closed bool
	broken error
	ids    map[string]struct{}
}

// OpenDeadLetterFile opens (creating if needed) the dead-letter file at path
func OpenDeadLetterFile(path string, opts ...FileOption) (*FileDeadLetterStore, error) {
	o := buildFileOptions(opts)

	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	if err := repairTail(file, path, o.logger); err != nil {
		file.Close()
		return nil, err
	}

	ids := make(map[string]struct{})
	for dl, err := range readDeadLetterFile(context.Background(), path) {
		if err != nil {
			file.Close()
			return nil, err
		}
		if id := deadLetterID(dl); id != "" {
			ids[id] = struct{}{}
		}
	}

	return &FileDeadLetterStore{
		path:   path,
		file:   file,
		sync:   o.sync,
		logger: o.logger,
		ops:    osFileOps,
		ids:    ids,
	}, nil
}

// Path returns the dead-letter file location
func (s *FileDeadLetterStore) Path() string {
	return s.path
}

// Write implements DeadLetterStore
func (s *FileDeadLetterStore) Write(ctx context.Context, dl *DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("dead letter cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	prepareDeadLetter(dl)

	line, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	id := deadLetterID(dl)
	if _, ok := s.ids[id]; ok && id != "" {
		s.logger.Debug("Dead letter already recorded", "envelopeId", id)
		return nil
	}
	if s.broken != nil {
		return &IOError{Op: "append", Path: s.path, Err: fmt.Errorf("%w: %w", ErrBroken, s.broken)}
	}

	err = appendLine(s.file, s.path, line, s.sync, s.ops, func(cause error) {
		s.broken = cause
		s.logger.Error("Dead-letter file left with a partial line, refusing further writes",
			"path", s.path,
			"error", cause)
	})
	if err != nil {
		return err
	}
	if id != "" {
		s.ids[id] = struct{}{}
	}
	return nil
}

// List implements DeadLetterStore
func (s *FileDeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	return ReadDeadLetters(ctx, s.path, filter)
}

// Close implements DeadLetterStore
func (s *FileDeadLetterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return &IOError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

// ReadDeadLetters reads a dead-letter file without opening it for writing
func ReadDeadLetters(ctx context.Context, path string, filter DeadLetterFilter) ([]*DeadLetter, error) {
	var result []*DeadLetter
	for dl, err := range readDeadLetterFile(ctx, path) {
		if err != nil {
			return result, err
		}
		if !filter.match(dl) {
			continue
		}
		result = append(result, dl)
		if filter.MaxResults > 0 && len(result) >= filter.MaxResults {
			break
		}
	}
	return result, nil
}

func readDeadLetterFile(ctx context.Context, path string) iter.Seq2[*DeadLetter, error] {
	return replayFile(ctx, path, func(line []byte) (*DeadLetter, error) {
		var dl DeadLetter
		if err := json.Unmarshal(line, &dl); err != nil {
			return nil, err
		}
		return &dl, nil
	})
}

// MemoryDeadLetterStore keeps dead letters in memory
type MemoryDeadLetterStore struct {
	letters  []*DeadLetter
	mu       sync.RWMutex
	failWith error
}

// NewMemoryDeadLetterStore creates an empty in-memory store
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

// FailWrites makes every following Write fail; nil restores normal behaviour
func (s *MemoryDeadLetterStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Write implements DeadLetterStore
func (s *MemoryDeadLetterStore) Write(ctx context.Context, dl *DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("dead letter cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	prepareDeadLetter(dl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return &IOError{Op: "append", Err: s.failWith}
	}
	if id := deadLetterID(dl); id != "" {
		for _, existing := range s.letters {
			if deadLetterID(existing) == id {
				return nil
			}
		}
	}

	stored := *dl
	stored.Envelope = dl.Envelope.Clone()
	stored.Errors = slices.Clone(dl.Errors)
	s.letters = append(s.letters, &stored)
	return nil
}

// List implements DeadLetterStore
func (s *MemoryDeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*DeadLetter
	for _, dl := range s.letters {
		if !filter.match(dl) {
			continue
		}
		letterCopy := *dl
		result = append(result, &letterCopy)
		if filter.MaxResults > 0 && len(result) >= filter.MaxResults {
			break
		}
	}
	return result, nil
}

// Close implements DeadLetterStore
func (s *MemoryDeadLetterStore) Close() error {
	return nil
}

var _ DeadLetterStore = (*FileDeadLetterStore)(nil)
var _ DeadLetterStore = (*MemoryDeadLetterStore)(nil)
