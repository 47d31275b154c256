package leader

import "time"

// Backoff is the leader's pacing policy: after every handled message the
// leader pauses for the current timeout. The timeout shrinks by Step on each
// adoption and grows by Multiplier when preempted by a leader with a higher
// id, staying within [Floor, Max].
type Backoff struct {
	Initial    time.Duration
	Floor      time.Duration
	Step       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns the pacing used when Options.Backoff is zero.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    20 * time.Millisecond,
		Floor:      time.Millisecond,
		Step:       2 * time.Millisecond,
		Multiplier: 1.5,
		Max:        time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Floor <= 0 {
		b.Floor = d.Floor
	}
	if b.Step <= 0 {
		b.Step = d.Step
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Initial < b.Floor {
		b.Initial = b.Floor
	}
	if b.Initial > b.Max {
		b.Initial = b.Max
	}
	return b
}

type pacer struct {
	b   Backoff
	cur time.Duration
}

func newPacer(b Backoff) *pacer {
	b = b.withDefaults()
	return &pacer{b: b, cur: b.Initial}
}

// decrease is the additive step taken when a ballot is adopted.
func (p *pacer) decrease() {
	if p.cur > p.b.Step {
		p.cur -= p.b.Step
	}
	if p.cur < p.b.Floor {
		p.cur = p.b.Floor
	}
}

// increase is the multiplicative step taken when yielding to a peer.
func (p *pacer) increase() {
	next := time.Duration(float64(p.cur) * p.b.Multiplier)
	if next > p.b.Max {
		next = p.b.Max
	}
	p.cur = next
}

func (p *pacer) timeout() time.Duration { return p.cur }
