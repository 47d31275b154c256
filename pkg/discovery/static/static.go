package static

import (
	"strings"

	"github.com/amirimatin/go-multipaxos/pkg/discovery"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

type staticSource struct {
	m paxos.Membership
}

func (s *staticSource) Membership() (paxos.Membership, error) {
	if err := s.m.Validate(); err != nil {
		return paxos.Membership{}, err
	}
	return s.m.Clone(), nil
}

// New returns a Source for fixed role lists. Order is preserved.
func New(replicas, acceptors, leaders []string) discovery.Source {
	return &staticSource{m: paxos.Membership{
		Replicas:  clean(replicas),
		Acceptors: clean(acceptors),
		Leaders:   clean(leaders),
	}}
}

// FromCSV is New over comma-separated lists.
func FromCSV(replicas, acceptors, leaders string) discovery.Source {
	return New(Parse(replicas), Parse(acceptors), Parse(leaders))
}

// Parse converts a comma-separated list into addresses.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	return clean(strings.Split(csv, ","))
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
