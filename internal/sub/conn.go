package sub

// Subscription is a live upstream subscription for one rendered query.
type Subscription interface {
	// OnApplied registers a callback fired once the subscription's initial
	// data has been loaded into the local cache. Implementations may fire
	// it again on later snapshots; consumers that care fire-once must
	// guard themselves.
	OnApplied(fn func())

	// Unsubscribe cancels the subscription. Safe to call more than once.
	Unsubscribe()
}

// Conn issues subscriptions against the upstream source. Implementations
// are expected to apply incoming row changes to the shared table cache
// before signalling applied or delivering change callbacks.
type Conn interface {
	Subscribe(queryText string) (Subscription, error)
}
