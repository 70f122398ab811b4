package feed

import "context"

// Sink consumes batches of feed entries. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Entry) error
	Close(ctx context.Context) error
}

// Emitter publishes individual entries; Hub satisfies this interface so the
// session can remain agnostic about how entries are buffered or persisted.
type Emitter interface {
	Emit(e Entry)
}
