package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is matched by every IOError
	ErrIO = errors.New("journal: i/o failure")

	// ErrClosed is returned by operations on a closed journal or store
	ErrClosed = errors.New("journal: closed")

	// ErrBroken is wrapped by appends refused after a failed write could not
	// be cut back; the file must be reopened, which repairs its tail
	ErrBroken = errors.New("journal: unusable after a partial write")

	// ErrCorrupt is returned by Replay for a line that cannot be decoded
	ErrCorrupt = errors.New("journal: corrupt entry")
)

// IOError reports a failed durable write or read. An operation that gets an
// IOError from the journal must be aborted as a whole.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("journal: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("journal: %s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrIO) match
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// CorruptEntryError identifies an undecodable journal line
type CorruptEntryError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("journal: corrupt entry at %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *CorruptEntryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrCorrupt) match
func (e *CorruptEntryError) Is(target error) bool {
	return target == ErrCorrupt
}
