package notify

import "context"

// Sink consumes batches of events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// AckFunc is told which alerts every sink accepted.
type AckFunc func(ctx context.Context, alertIDs []string)
