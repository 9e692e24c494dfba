package manager

// Event names published by the Manager.
const (
	EventLoadStart     = "load_start"
	EventLoadReady     = "load_ready"
	EventLoadFailed    = "load_failed"
	EventEvict         = "evict"
	EventEvictDeferred = "evict_deferred"
	EventUnload        = "unload"
	EventUnloadRefused = "unload_refused"
)

// Event represents a residency lifecycle event.
// Minimal and stable: name + model key and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
