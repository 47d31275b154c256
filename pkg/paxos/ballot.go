package paxos

import "fmt"

// BallotNumber totally orders leadership attempts. Ballots compare by Round
// first and then by LeaderID. The zero value is the "absent" ballot: it is
// lower than every ballot a leader can issue.
type BallotNumber struct {
	Round    uint64 `json:"round"`
	LeaderID string `json:"leaderId"`
}

// IsZero reports whether b is the absent ballot.
func (b BallotNumber) IsZero() bool { return b.Round == 0 && b.LeaderID == "" }

// Compare returns -1, 0 or +1 when b is lower than, equal to or greater than o.
func (b BallotNumber) Compare(o BallotNumber) int {
	switch {
	case b.Round < o.Round:
		return -1
	case b.Round > o.Round:
		return 1
	case b.LeaderID < o.LeaderID:
		return -1
	case b.LeaderID > o.LeaderID:
		return 1
	}
	return 0
}

func (b BallotNumber) Less(o BallotNumber) bool    { return b.Compare(o) < 0 }
func (b BallotNumber) Greater(o BallotNumber) bool { return b.Compare(o) > 0 }

// Next returns the ballot a leader named id adopts after being preempted by b.
func (b BallotNumber) Next(id string) BallotNumber {
	return BallotNumber{Round: b.Round + 1, LeaderID: id}
}

func (b BallotNumber) String() string {
	if b.IsZero() {
		return "BN(-)"
	}
	return fmt.Sprintf("BN(%d,%s)", b.Round, b.LeaderID)
}
