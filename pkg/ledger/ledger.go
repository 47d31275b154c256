package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

var ErrClosed = errors.New("ledger: closed")

var keyApplied = []byte("applied")

// Entry is one applied slot as recorded by a replica.
type Entry struct {
	Slot    uint64        `json:"slot"`
	Command paxos.Command `json:"command"`
	Result  string        `json:"result,omitempty"`
	Error   string        `json:"error,omitempty"`
	// Duplicate is set when the command had already been applied in an
	// earlier slot and was skipped.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Ledger is an append-only audit record of applied slots. Entry i is stored
// at raft log index i+1. It is not used to recover replica state.
type Ledger struct {
	mu     sync.Mutex
	logs   raft.LogStore
	stable raft.StableStore
	bolt   *raftboltdb.BoltStore
	closed bool
}

// Open uses an on-disk BoltDB file under dir when dir is set, else memory.
func Open(dir string) (*Ledger, error) {
	if dir == "" {
		mem := raft.NewInmemStore()
		return &Ledger{logs: mem, stable: mem}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b, err := raftboltdb.NewBoltStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	return &Ledger{logs: b, stable: b, bolt: b}, nil
}

// Append records e. Re-appending a slot overwrites the previous entry.
func (l *Ledger) Append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	rec := &raft.Log{Index: e.Slot + 1, Type: raft.LogCommand, Data: data, AppendedAt: time.Now()}
	if err := l.logs.StoreLog(rec); err != nil {
		return err
	}
	return l.stable.SetUint64(keyApplied, e.Slot+1)
}

// Applied returns the number of slots recorded so far.
func (l *Ledger) Applied() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	n, err := l.stable.GetUint64(keyApplied)
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, nil
	}
	return n, err
}

// Entries returns up to limit entries starting at slot from; limit <= 0
// means no limit.
func (l *Ledger) Entries(from uint64, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	last, err := l.logs.LastIndex()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0)
	for idx := from + 1; idx <= last; idx++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		var rec raft.Log
		if err := l.logs.GetLog(idx, &rec); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return nil, fmt.Errorf("ledger: decode slot %d: %w", idx-1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.bolt != nil {
		return l.bolt.Close()
	}
	return nil
}
