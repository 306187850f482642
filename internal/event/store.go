package event

import "context"

// Store reads persisted events. Events are written together with the state
// change that produced them, so there is no standalone append here.
type Store interface {
	// Load returns all events for an aggregate, ordered by version.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
	// LoadAfter returns events for an aggregate with version > after.
	LoadAfter(ctx context.Context, aggregateID string, after int64) ([]Event, error)
	// LoadByType returns events filtered by type.
	LoadByType(ctx context.Context, eventType Type) ([]Event, error)
}
