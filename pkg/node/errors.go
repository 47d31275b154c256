package node

import "errors"

var (
	// ErrNotReplica is returned by Submit and Log on a node that hosts no
	// replica and knows of none it can reach.
	ErrNotReplica = errors.New("node: no replica hosted on this node")
	ErrNotStarted = errors.New("node: not started")
	ErrStopped    = errors.New("node: stopped")
)
