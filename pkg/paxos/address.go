package paxos

import (
	"fmt"
	"strings"
)

// Actor addresses have the form "host:port" optionally followed by a path
// ("host:port/leader/3"). The host:port part selects the process (and the
// transport endpoint to dial); the full string selects the mailbox inside it.

// Host returns the process part of an actor address.
func Host(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Sub derives a subsidiary address from a parent address.
func Sub(parent string, name string) string {
	return parent + "/" + name
}

// SubN derives the n-th subsidiary endpoint address of parent.
func SubN(parent string, n int) string {
	return Sub(parent, fmt.Sprintf("e%d", n))
}
