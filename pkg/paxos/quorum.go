package paxos

// Majority returns the number of distinct acceptor responses that form a
// quorum among n acceptors: strictly more than half.
func Majority(n int) int { return n/2 + 1 }

// WaitFor tracks which acceptors a scout or commander is still waiting on.
// It is owned by a single actor and is not safe for concurrent use.
type WaitFor struct {
	total   int
	pending map[string]struct{}
}

// NewWaitFor starts waiting on every address in acceptors.
func NewWaitFor(acceptors []string) *WaitFor {
	w := &WaitFor{pending: make(map[string]struct{}, len(acceptors))}
	for _, a := range acceptors {
		w.pending[a] = struct{}{}
	}
	w.total = len(w.pending)
	return w
}

// Has reports whether src has not answered yet.
func (w *WaitFor) Has(src string) bool {
	_, ok := w.pending[src]
	return ok
}

// Ack removes src and reports whether it was still pending. Repeated or
// unknown senders return false and change nothing.
func (w *WaitFor) Ack(src string) bool {
	if _, ok := w.pending[src]; !ok {
		return false
	}
	delete(w.pending, src)
	return true
}

// Reached reports whether a majority of acceptors has answered.
func (w *WaitFor) Reached() bool {
	return w.total-len(w.pending) >= Majority(w.total)
}

// Pending returns the addresses that have not answered.
func (w *WaitFor) Pending() []string {
	out := make([]string, 0, len(w.pending))
	for a := range w.pending {
		out = append(out, a)
	}
	return out
}

func (w *WaitFor) Len() int { return len(w.pending) }
