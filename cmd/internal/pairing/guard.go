package pairing

import (
	"log/slog"
	"sync"

	"pairlink/cmd/internal/authstate"
)

// Guard tracks the local store directories of live sessions so they can be
// removed on every exit path: normal completion, failure, signals and panics.
type Guard struct {
	log *slog.Logger

	mu     sync.Mutex
	leases map[*Lease]struct{}
}

// NewGuard constructs a Guard.
func NewGuard(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log, leases: make(map[*Lease]struct{})}
}

// Lease owns one local store directory until released.
type Lease struct {
	g    *Guard
	path string
	once sync.Once
	err  error
}

// Track registers path and returns its lease.
func (g *Guard) Track(path string) *Lease {
	l := &Lease{g: g, path: path}
	g.mu.Lock()
	g.leases[l] = struct{}{}
	g.mu.Unlock()
	return l
}

// Path returns the leased directory.
func (l *Lease) Path() string { return l.path }

// Release removes the directory recursively. Missing paths are fine; repeated
// calls return the first result without touching the filesystem again.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.err = authstate.Remove(l.path)
		if l.err != nil {
			l.g.log.Error("pair.cleanup.fail", "path", l.path, "err", l.err)
		} else {
			l.g.log.Debug("pair.cleanup.done", "path", l.path)
		}
		l.g.mu.Lock()
		delete(l.g.leases, l)
		l.g.mu.Unlock()
	})
	return l.err
}

// Active returns the number of unreleased leases.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

// ReleaseAll releases every outstanding lease and returns the first error.
func (g *Guard) ReleaseAll() error {
	g.mu.Lock()
	pending := make([]*Lease, 0, len(g.leases))
	for l := range g.leases {
		pending = append(pending, l)
	}
	g.mu.Unlock()

	var first error
	for _, l := range pending {
		if err := l.Release(); err != nil && first == nil {
			first = err
		}
	}
	if len(pending) > 0 {
		g.log.Info("pair.cleanup.all", "released", len(pending))
	}
	return first
}
