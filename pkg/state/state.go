package state

// StateMachine is the replicated application state a replica applies decided
// operations to. Apply is called from a single goroutine in slot order; an
// error is reported back to the client but the slot still counts as applied.
type StateMachine interface {
	Apply(op string) (string, error)
	Snapshot() ([]byte, error)
	Restore(buf []byte) error
}
