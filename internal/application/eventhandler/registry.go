// Package eventhandler contains the bus subscribers of the decision core.
// They react to decisions, breaker transitions and dropped events with
// logging and aggregate counters; none of them sits on the decision path.
package eventhandler

import (
	"fmt"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
)

// Handler is a typed subscriber.
type Handler interface {
	EventType() shared.EventType
	Handle(event shared.Event) error
}

// Register subscribes every handler to its event type.
func Register(sub shared.EventSubscriber, handlers ...Handler) error {
	for _, h := range handlers {
		if err := sub.Subscribe(h.EventType(), h.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", h.EventType(), err)
		}
	}
	return nil
}
