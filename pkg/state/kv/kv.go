package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	base "github.com/amirimatin/go-multipaxos/pkg/state"
)

var ErrBadOp = errors.New("kv: malformed operation")

// Store is an in-memory key/value state machine. Operations are text:
//
//	SET <key> <value>
//	APPEND <key> <value>
//	GET <key>
//	DEL <key>
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

func New() *Store { return &Store{data: make(map[string]string)} }

func (s *Store) Apply(op string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(op), " ", 3)
	verb := strings.ToUpper(parts[0])
	switch verb {
	case "SET", "APPEND":
		if len(parts) != 3 || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrBadOp, op)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if verb == "SET" {
			s.data[parts[1]] = parts[2]
		} else {
			s.data[parts[1]] += parts[2]
		}
		return s.data[parts[1]], nil
	case "GET", "DEL":
		if len(parts) != 2 || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrBadOp, op)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		v := s.data[parts[1]]
		if verb == "DEL" {
			delete(s.data, parts[1])
		}
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown verb %q", ErrBadOp, parts[0])
}

// Get reads a key without going through the log.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := make([]entry, 0, len(s.data))
	for k, v := range s.data {
		arr = append(arr, entry{Key: k, Value: v})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].Key < arr[j].Key })
	return json.Marshal(struct {
		Version int     `json:"version"`
		Entries []entry `json:"entries"`
	}{Version: 1, Entries: arr})
}

func (s *Store) Restore(buf []byte) error {
	var snapshot struct {
		Version int     `json:"version"`
		Entries []entry `json:"entries"`
	}
	if err := json.Unmarshal(buf, &snapshot); err != nil {
		return err
	}
	if snapshot.Version != 1 {
		return fmt.Errorf("kv: unsupported snapshot version %d", snapshot.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string, len(snapshot.Entries))
	for _, e := range snapshot.Entries {
		if e.Key == "" {
			continue
		}
		s.data[e.Key] = e.Value
	}
	return nil
}

var _ base.StateMachine = (*Store)(nil)
