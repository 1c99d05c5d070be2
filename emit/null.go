package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it when observability overhead is unwanted or event capture is not
// needed. Safe for concurrent use, zero overhead.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that discards every event.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
