package file

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-multipaxos/pkg/discovery"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
)

// DefaultEnv holds an inline membership document that overrides the file.
const DefaultEnv = "PAXOS_MEMBERSHIP"

// Options configures file/ENV-based discovery. The document format is
//
//	{"replicas": [...], "acceptors": [...], "leaders": [...]}
type Options struct {
	// Path to the JSON membership document.
	Path string
	// Env overrides file when non-empty. Defaults to DefaultEnv.
	Env string
	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	mtime time.Time
	cache paxos.Membership
}

func New(opts Options) discovery.Source {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Env == "" {
		opts.Env = DefaultEnv
	}
	return &impl{opts: opts}
}

func (i *impl) Membership() (paxos.Membership, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	// ENV takes precedence
	if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
		return Parse([]byte(v))
	}
	if i.opts.Path == "" {
		return paxos.Membership{}, fmt.Errorf("%w: no membership file or %s", paxos.ErrInvalidMembership, i.opts.Env)
	}
	stat, err := os.Stat(i.opts.Path)
	if err != nil {
		return paxos.Membership{}, err
	}
	now := time.Now()
	// If file changed or cache is stale, reload
	if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
		b, err := os.ReadFile(i.opts.Path)
		if err != nil {
			return paxos.Membership{}, err
		}
		m, err := Parse(b)
		if err != nil {
			return paxos.Membership{}, fmt.Errorf("%s: %w", i.opts.Path, err)
		}
		i.cache = m
		i.last = now
		i.mtime = stat.ModTime()
	}
	return i.cache.Clone(), nil
}

// Parse decodes and validates a membership document.
func Parse(b []byte) (paxos.Membership, error) {
	var m paxos.Membership
	if err := json.Unmarshal(b, &m); err != nil {
		return paxos.Membership{}, fmt.Errorf("%w: %v", paxos.ErrInvalidMembership, err)
	}
	if err := m.Validate(); err != nil {
		return paxos.Membership{}, err
	}
	return m, nil
}
