package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// CommandExecutor dispatches commands to registered handlers and runs the
// resulting conditional append in a single database transaction.
type CommandExecutor interface {
	// Register binds a handler to a command type. Registering an empty type,
	// a nil handler, or a type twice returns a *ConfigurationError. Safe to
	// call concurrently with Execute.
	Register(commandType string, handler CommandHandler) error

	// Execute runs the command through its handler and appends the decided
	// events under the handler's condition. A duplicate conflict from the
	// condition is reported as an idempotent outcome, not an error; a stale
	// conflict surfaces as a *ConcurrencyError for the caller to retry.
	Execute(ctx context.Context, cmd Command) (ExecutionResult, error)
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	// PersistCommands stores each executed command in the commands table,
	// keyed by the transaction id its events were committed under.
	PersistCommands bool
}

// Registration binds a handler to a command type at construction.
type Registration struct {
	Type    string
	Handler CommandHandler
}

type commandExecutor struct {
	store  EventStore
	config ExecutorConfig

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewCommandExecutor creates a CommandExecutor on the given store. Handlers
// may be registered here or later via Register; a bad registration fails
// construction with a *ConfigurationError.
func NewCommandExecutor(store EventStore, config ExecutorConfig, regs ...Registration) (CommandExecutor, error) {
	ce := &commandExecutor{
		store:    store,
		handlers: make(map[string]CommandHandler),
		config:   config,
	}
	for _, reg := range regs {
		if err := ce.Register(reg.Type, reg.Handler); err != nil {
			return nil, err
		}
	}
	return ce, nil
}

func (ce *commandExecutor) Register(commandType string, handler CommandHandler) error {
	if commandType == "" {
		return &ConfigurationError{
			EventStoreError: EventStoreError{
				Op:  "register",
				Err: fmt.Errorf("command type cannot be empty"),
			},
			Detail: "empty command type",
		}
	}
	if handler == nil {
		return &ConfigurationError{
			EventStoreError: EventStoreError{
				Op:  "register",
				Err: fmt.Errorf("handler for %q cannot be nil", commandType),
			},
			Detail: "nil handler",
		}
	}
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if _, exists := ce.handlers[commandType]; exists {
		return &ConfigurationError{
			EventStoreError: EventStoreError{
				Op:  "register",
				Err: fmt.Errorf("handler for %q already registered", commandType),
			},
			Detail: "duplicate registration",
		}
	}
	ce.handlers[commandType] = handler
	return nil
}

func (ce *commandExecutor) Execute(ctx context.Context, cmd Command) (ExecutionResult, error) {
	if cmd == nil {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command cannot be nil"),
			},
			Field: "command",
			Value: "nil",
		}
	}
	if cmd.GetType() == "" {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command type cannot be empty"),
			},
			Field: "command.type",
			Value: "empty",
		}
	}
	if len(cmd.GetData()) > 0 && !json.Valid(cmd.GetData()) {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command data must be valid JSON"),
			},
			Field: "command.data",
			Value: "invalid json",
		}
	}

	ce.mu.RLock()
	handler, ok := ce.handlers[cmd.GetType()]
	ce.mu.RUnlock()
	if !ok {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("no handler registered for command type %q", cmd.GetType()),
			},
			Field: "command.type",
			Value: cmd.GetType(),
		}
	}

	// Marshal metadata before opening the transaction so a bad payload fails
	// without touching the database.
	var metadata []byte
	if cmd.GetMetadata() != nil {
		var err error
		metadata, err = json.Marshal(cmd.GetMetadata())
		if err != nil {
			return ExecutionResult{}, &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "execute",
					Err: fmt.Errorf("failed to marshal command metadata: %w", err),
				},
				Field: "command.metadata",
				Value: "unmarshalable",
			}
		}
	}

	var result ExecutionResult
	err := ce.store.InTransaction(ctx, func(ctx context.Context, store TransactionalEventStore) error {
		decision, err := handler.Handle(ctx, store, cmd)
		if err != nil {
			return err
		}

		if len(decision.Events) == 0 {
			if reason := decision.IdempotencyReason; reason != "" {
				result = ExecutionResult{Outcome: OutcomeIdempotent, Reason: reason}
				return nil
			}
			if decision.Events == nil {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "execute",
						Err: fmt.Errorf("handler for %q returned nil events and no idempotency reason", cmd.GetType()),
					},
					Field: "result.events",
					Value: "nil",
				}
			}
			// An explicitly empty decision falls through to the append path,
			// which treats the empty batch as a no-op.
		}

		var stored []Event
		if decision.Condition != nil {
			stored, err = store.AppendIf(ctx, decision.Events, *decision.Condition)
		} else {
			stored, err = store.Append(ctx, decision.Events)
		}
		if err != nil {
			if IsDuplicateConflict(err) {
				// The operation was already recorded; surface it as success.
				result = ExecutionResult{Outcome: OutcomeIdempotent, Reason: IdempotencyReasonDuplicate}
				return nil
			}
			return err
		}

		if ce.config.PersistCommands {
			if err := persistCommand(ctx, store, cmd, metadata); err != nil {
				return err
			}
		}

		result = ExecutionResult{Outcome: OutcomeCreated, Events: stored}
		return nil
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

// persistCommand records the command alongside its events, keyed by the
// shared transaction id. Events are the primary data; the command row is an
// audit trail.
func persistCommand(ctx context.Context, store TransactionalEventStore, cmd Command, metadata []byte) error {
	ts, ok := store.(*txStore)
	if !ok {
		return &ConfigurationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command persistence requires the transactional store"),
			},
			Detail: "unexpected store implementation",
		}
	}

	_, err := ts.tx.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, metadata)
		VALUES (pg_current_xact_id(), $1, $2, $3)
	`, cmd.GetType(), payloadOrNull(cmd.GetData()), metadata)
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("failed to store command: %w", err),
			},
			Resource: "database",
		}
	}
	return nil
}
