// Package health keeps a per-connection view of how each exchange feed is doing.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

type State string

const (
	StateConnecting State = "connecting"
	StateUp         State = "up"
	// StateDegraded means the socket is open but recent trade frames were malformed.
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Status is a snapshot of one connection.
type Status struct {
	Connection      string    `json:"connection"`
	Exchange        string    `json:"exchange"`
	State           State     `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	Reconnects      int64     `json:"reconnects"`
	MalformedStreak int       `json:"malformed_streak"`
	LastFrame       time.Time `json:"last_frame,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Since           time.Time `json:"since"`
}

// Tracker is safe for concurrent use by readers, pipelines and the status server.
type Tracker struct {
	mu        sync.RWMutex
	threshold int
	conns     map[string]*Status
	now       func() time.Time
	log       *logger.Log
}

// NewTracker marks a connection degraded after threshold consecutive malformed
// frames. A threshold below one disables degradation.
func NewTracker(threshold int) *Tracker {
	return &Tracker{
		threshold: threshold,
		conns:     make(map[string]*Status),
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

func (t *Tracker) get(conn, exchange string) *Status {
	s, ok := t.conns[conn]
	if !ok {
		s = &Status{Connection: conn, Exchange: exchange, State: StateConnecting, Since: t.now()}
		t.conns[conn] = s
	}
	return s
}

func (t *Tracker) transition(s *Status, to State) {
	if s.State == to {
		return
	}
	from := s.State
	s.State = to
	s.Since = t.now()
	t.log.WithComponent("health").WithFields(logger.Fields{
		"connection": s.Connection,
		"exchange":   s.Exchange,
		"from":       string(from),
		"to":         string(to),
	}).Info("connection state changed")
}

// Connecting is recorded before every dial.
func (t *Tracker) Connecting(conn, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transition(t.get(conn, exchange), StateConnecting)
}

// Up is recorded once the socket is open and subscriptions are replayed.
func (t *Tracker) Up(conn, exchange, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(conn, exchange)
	s.SessionID = sessionID
	s.MalformedStreak = 0
	s.LastError = ""
	t.transition(s, StateUp)
}

// Down records a transport failure and counts a reconnect.
func (t *Tracker) Down(conn, exchange string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(conn, exchange)
	s.SessionID = ""
	s.Reconnects++
	if err != nil {
		s.LastError = err.Error()
	}
	t.transition(s, StateDown)
}

// Frame records a received frame.
func (t *Tracker) Frame(conn, exchange string) {
	t.mu.Lock()
	t.get(conn, exchange).LastFrame = t.now()
	t.mu.Unlock()
}

// Malformed extends the malformed streak and degrades the connection once the
// threshold is reached.
func (t *Tracker) Malformed(conn, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(conn, exchange)
	s.MalformedStreak++
	if t.threshold > 0 && s.MalformedStreak >= t.threshold && s.State == StateUp {
		t.transition(s, StateDegraded)
	}
}

// Healthy resets the streak after a good trade frame.
func (t *Tracker) Healthy(conn, exchange string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(conn, exchange)
	s.MalformedStreak = 0
	if s.State == StateDegraded {
		t.transition(s, StateUp)
	}
}

// Snapshot returns every connection sorted by name.
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.conns))
	for _, s := range t.conns {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connection < out[j].Connection })
	return out
}

// Ready reports whether at least one connection is up and none is down.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	up := false
	for _, s := range t.conns {
		switch s.State {
		case StateUp, StateDegraded:
			up = true
		case StateDown:
			return false
		}
	}
	return up
}
