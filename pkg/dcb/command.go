package dcb

import (
	"context"
	"fmt"
)

// Command is a request to change state. Commands are dispatched to handlers
// by type; the data payload is opaque JSON interpreted by the handler.
type Command interface {
	GetType() string
	GetData() []byte
	GetMetadata() map[string]any
}

// command is the internal Command implementation.
type command struct {
	commandType string
	data        []byte
	metadata    map[string]any
}

func (c *command) GetType() string             { return c.commandType }
func (c *command) GetData() []byte             { return c.data }
func (c *command) GetMetadata() map[string]any { return c.metadata }

// NewCommand creates a Command with the given type, JSON data, and optional
// metadata.
func NewCommand(commandType string, data []byte, metadata map[string]any) Command {
	return &command{
		commandType: commandType,
		data:        data,
		metadata:    metadata,
	}
}

// CommandResult is what a handler decides: the events to append and the
// condition under which the append is valid. A nil Condition means an
// unconditional append. A handler that decides the command is already done
// returns no events and sets IdempotencyReason.
type CommandResult struct {
	Events            []InputEvent
	Condition         *AppendCondition
	IdempotencyReason string
}

// CommandHandler turns a command into a CommandResult, typically by
// projecting decision state through the store handle and deciding against it.
// The handle is bound to the transaction that will also perform the append.
type CommandHandler interface {
	Handle(ctx context.Context, store TransactionalEventStore, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, store TransactionalEventStore, cmd Command) (CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, store TransactionalEventStore, cmd Command) (CommandResult, error) {
	return f(ctx, store, cmd)
}

// ExecutionOutcome tells how a command execution concluded.
type ExecutionOutcome int

const (
	// OutcomeCreated means new events were appended.
	OutcomeCreated ExecutionOutcome = iota

	// OutcomeIdempotent means the command had already taken effect and no
	// events were appended. This is a success, not an error.
	OutcomeIdempotent
)

func (o ExecutionOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "CREATED"
	case OutcomeIdempotent:
		return "IDEMPOTENT"
	default:
		return fmt.Sprintf("ExecutionOutcome(%d)", int(o))
	}
}

// IdempotencyReasonDuplicate is the reason reported when the duplicate branch
// of an append condition fires during execution.
const IdempotencyReasonDuplicate = "DUPLICATE_OPERATION"

// ExecutionResult is the outcome of a successfully executed command.
type ExecutionResult struct {
	Outcome ExecutionOutcome

	// Events holds the stored events when Outcome is OutcomeCreated.
	Events []Event

	// Reason explains an idempotent outcome.
	Reason string
}

// Created reports whether the execution appended events.
func (r ExecutionResult) Created() bool {
	return r.Outcome == OutcomeCreated
}

// Idempotent reports whether the command had already taken effect.
func (r ExecutionResult) Idempotent() bool {
	return r.Outcome == OutcomeIdempotent
}
