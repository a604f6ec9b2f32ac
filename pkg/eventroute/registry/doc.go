// Package registry provides a generic copy-on-write registry for values
// indexed by key.
//
// Readers load an immutable snapshot through an atomic pointer and never
// block. Writers are serialized and publish a fresh snapshot, so a reader
// holding a View keeps seeing exactly the entries that existed when it
// was taken.
//
// # Basic Usage
//
//	r := registry.New[string, *channel.Channel]()
//	r.Register(ch.ID(), ch)
//
//	view := r.Snapshot()
//	if ch, ok := view.Get("ingestion"); ok {
//	    ch.Publish(ctx, evt)
//	}
//
// # Lazy Initialization
//
// GetOrCreate calls the factory at most once per key, even under
// concurrent access:
//
//	sinks := registry.New[string, deadletter.Sink]()
//	sink := sinks.GetOrCreate("router", func() deadletter.Sink {
//	    return deadletter.NewMemorySink()
//	})
package registry
