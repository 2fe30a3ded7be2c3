// Package serverpool tracks the connection budget of every configured news
// server and implements level/group fallback with failure quarantine.
package serverpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/nntp"
)

// Outcome classifies how a worker finished with its slot.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeHardFail
)

const (
	backoffBase = time.Second
	backoffCap  = 600 * time.Second
)

// Server is the runtime state of one configured news server.
type Server struct {
	Cfg config.ServerConfig

	active           int
	idle             []nntp.Conn
	quarantinedUntil time.Time
	backoff          time.Duration
}

// DialFunc opens a session on a server; replaced in tests.
type DialFunc func(ctx context.Context, cfg nntp.DialConfig) (nntp.Conn, error)

// Slot is a reserved connection on a server, exclusively owned by one worker
// until released.
type Slot struct {
	server     *Server
	generation uint64
	conn       nntp.Conn
	dial       DialFunc
}

// ServerID returns the id of the slot's server.
func (s *Slot) ServerID() int { return s.server.Cfg.ID }

// Level returns the fallback level of the slot's server.
func (s *Slot) Level() int { return s.server.Cfg.Level }

// Conn returns the cached session or dials a new one.
func (s *Slot) Conn(ctx context.Context) (nntp.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	cfg := s.server.Cfg
	conn, err := s.dial(ctx, nntp.DialConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		TLS:      cfg.TLS,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Discard closes the slot's session without quarantining the server; used
// when a transfer was aborted mid-body and the session is dirty.
func (s *Slot) Discard() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Pool hands out connection slots respecting per-server caps, level order
// and quarantine timers.
type Pool struct {
	mu            sync.Mutex
	servers       []*Server
	levels        []int
	generation    uint64
	retryInterval time.Duration
	log           *slog.Logger

	now  func() time.Time
	dial DialFunc
}

// New creates a pool over the configured servers. retryInterval is the
// quarantine applied on hard failures before the next level is consulted.
func New(servers []config.ServerConfig, retryInterval time.Duration) *Pool {
	p := &Pool{
		retryInterval: retryInterval,
		log:           slog.Default().With("component", "serverpool"),
		now:           time.Now,
		dial:          nntp.Dial,
	}
	p.install(servers)
	return p
}

// SetDialFunc replaces the session dialer; used by tests.
func (p *Pool) SetDialFunc(dial DialFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dial = dial
}

func (p *Pool) install(servers []config.ServerConfig) {
	p.servers = nil
	levelSet := map[int]bool{}
	for _, cfg := range servers {
		p.servers = append(p.servers, &Server{Cfg: cfg})
		levelSet[cfg.Level] = true
	}

	// stable order: level, then group, then declared order
	sort.SliceStable(p.servers, func(i, j int) bool {
		a, b := p.servers[i].Cfg, p.servers[j].Cfg
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.Group < b.Group
	})

	p.levels = p.levels[:0]
	for level := range levelSet {
		p.levels = append(p.levels, level)
	}
	sort.Ints(p.levels)
}

// Reconfigure replaces the server set. Outstanding slots from the old
// generation are drained on release.
func (p *Pool) Reconfigure(servers []config.ServerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.servers {
		for _, c := range s.idle {
			_ = c.Close()
		}
		s.idle = nil
	}
	p.generation++
	p.install(servers)
}

// Generation returns the current configuration generation; the scheduler
// invalidates cached per-article failure maps when it changes.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// TotalCapacity sums max connections over all active servers.
func (p *Pool) TotalCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, s := range p.servers {
		if s.Cfg.IsActive() {
			total += s.Cfg.MaxConnections
		}
	}
	return total
}

// ActiveCount returns the number of slots currently handed out.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, s := range p.servers {
		active += s.active
	}
	return active
}

// MaxLevel returns the highest configured fallback level.
func (p *Pool) MaxLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.levels) == 0 {
		return 0
	}
	return p.levels[len(p.levels)-1]
}

// AcquireForArticle finds a connection slot for an article whose per-server
// failure set is given by failed. Levels are consulted in order; a level may
// be skipped only when every server on it is failed, inactive or
// quarantined. A lower-level server that is merely busy blocks escalation:
// the article waits for its capacity instead.
func (p *Pool) AcquireForArticle(failed func(serverID int) bool) (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	for _, level := range p.levels {
		busyEligible := false
		for _, s := range p.servers {
			if s.Cfg.Level != level || !s.Cfg.IsActive() {
				continue
			}
			if failed != nil && failed(s.Cfg.ID) {
				continue
			}
			if s.quarantinedUntil.After(now) {
				continue
			}
			if s.active >= s.Cfg.MaxConnections {
				busyEligible = true
				continue
			}

			s.active++
			slot := &Slot{server: s, generation: p.generation, dial: p.dial}
			if n := len(s.idle); n > 0 {
				slot.conn = s.idle[n-1]
				s.idle = s.idle[:n-1]
			}
			return slot, true
		}

		if busyEligible {
			// capacity at this level will free up; do not escalate
			return nil, false
		}
	}

	return nil, false
}

// Exhausted reports whether every active server already failed the article.
// Optional servers do not keep a level alive on their own.
func (p *Pool) Exhausted(failed func(serverID int) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.servers {
		if !s.Cfg.IsActive() || s.Cfg.Optional {
			continue
		}
		if failed == nil || !failed(s.Cfg.ID) {
			return false
		}
	}
	return true
}

// Release returns a slot. On success the session is cached for reuse and the
// server backoff resets; on retry the server is quarantined with exponential
// backoff; on hard failure with the level-escalation interval.
func (p *Pool) Release(slot *Slot, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := slot.server
	if s.active > 0 {
		s.active--
	}

	if slot.generation != p.generation {
		if slot.conn != nil {
			_ = slot.conn.Close()
		}
		return
	}

	switch outcome {
	case OutcomeSuccess:
		s.backoff = 0
		if slot.conn != nil {
			s.idle = append(s.idle, slot.conn)
		}

	case OutcomeRetry:
		if s.backoff == 0 {
			s.backoff = backoffBase
		} else {
			s.backoff *= 2
			if s.backoff > backoffCap {
				s.backoff = backoffCap
			}
		}
		s.quarantinedUntil = p.now().Add(s.backoff)
		if slot.conn != nil {
			_ = slot.conn.Close()
		}
		p.log.Debug("Server quarantined",
			"server", s.Cfg.Host, "backoff", s.backoff)

	case OutcomeHardFail:
		s.quarantinedUntil = p.now().Add(p.retryInterval)
		if slot.conn != nil {
			_ = slot.conn.Close()
		}
		p.log.Warn("Server failed hard, quarantined",
			"server", s.Cfg.Host, "interval", p.retryInterval)
	}
}

// Close shuts down all cached sessions.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.servers {
		for _, c := range s.idle {
			_ = c.Close()
		}
		s.idle = nil
	}
}
