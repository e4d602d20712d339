package agentbus

import (
	"errors"
	"fmt"

	"github.com/lamcomm/agentbus/contracts"
	"github.com/lamcomm/agentbus/internal/journal"
	"github.com/lamcomm/agentbus/internal/queue"
)

var (
	ErrUnknownAgent   = errors.New("agentbus: unknown agent")
	ErrDuplicateAgent = errors.New("agentbus: agent already registered")
	ErrNoHandler      = errors.New("agentbus: agent has no handler")
	ErrNoRecipient    = errors.New("agentbus: payload names no recipient")

	// ErrValidation matches every ValidationError
	ErrValidation = contracts.ErrValidation
	// ErrIO matches every IOError
	ErrIO = journal.ErrIO
	// ErrUnknownDelivery is returned when acknowledging an id the bus never saw
	ErrUnknownDelivery = queue.ErrUnknownDelivery
	// ErrNotInFlight is returned when acknowledging a delivery nobody received
	ErrNotInFlight = queue.ErrNotInFlight
	// ErrClosed is returned by every operation after Close
	ErrClosed = queue.ErrClosed
)

// ValidationError reports a malformed envelope; nothing was journaled
type ValidationError = contracts.ValidationError

// IOError reports a failed journal or dead-letter write; the operation that
// triggered it was aborted as a whole
type IOError = journal.IOError

// UnknownAgentError reports routing to or receiving for an unregistered agent
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("agentbus: unknown agent %q", e.Name)
}

// Is lets errors.Is(err, ErrUnknownAgent) match
func (e *UnknownAgentError) Is(target error) bool {
	return target == ErrUnknownAgent
}

// DuplicateAgentError reports a second registration of the same name
type DuplicateAgentError struct {
	Name string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agentbus: agent %q is already registered", e.Name)
}

// Is lets errors.Is(err, ErrDuplicateAgent) match
func (e *DuplicateAgentError) Is(target error) bool {
	return target == ErrDuplicateAgent
}
