package outbox

import (
	"context"
	"fmt"

	"github.com/crablet/crablet-go/pkg/dcb"
)

// PublishMode tells the processor how to feed a publisher.
type PublishMode int

const (
	// ModeBatch delivers the whole fetched slice in one PublishBatch call.
	ModeBatch PublishMode = iota

	// ModeIndividual delivers one event per PublishBatch call and stops the
	// cycle at the first failure, so the next cycle retries from the last
	// successfully published event.
	ModeIndividual
)

func (m PublishMode) String() string {
	switch m {
	case ModeBatch:
		return "BATCH"
	case ModeIndividual:
		return "INDIVIDUAL"
	default:
		return "UNKNOWN"
	}
}

// Publisher delivers events to a downstream consumer. Names must be unique
// and stable across restarts: the name keys the progress row. Delivery is
// at-least-once, so publishers must tolerate duplicates.
type Publisher interface {
	Name() string
	Mode() PublishMode
	PublishBatch(ctx context.Context, events []dcb.Event) error
}

// PublishError reports a delivery failure for a (topic, publisher) pair.
type PublishError struct {
	Topic     string
	Publisher string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s via %s: %v", e.Topic, e.Publisher, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
