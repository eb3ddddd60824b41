// Package session tracks which exchange connections are currently live.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
)

// ErrSessionNotFound is returned by MustGet for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// Registry indexes sessions by id and by client id. One client has at most one
// active session; registering again supersedes the previous one.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]ClientSession
	byClient map[string]string
	count    atomic.Int64
	log      *logger.Log
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]ClientSession),
		byClient: make(map[string]string),
		log:      logger.GetLogger(),
	}
}

// Register inserts s for clientID. When the client already had a different
// session it is dropped from the registry and returned so the caller can tear
// down its transport; the registry performs no I/O.
func (r *Registry) Register(clientID string, s ClientSession) (*ClientSession, error) {
	if clientID != "" {
		s.ClientID = clientID
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	var superseded *ClientSession
	if prevID, ok := r.byClient[s.ClientID]; ok && prevID != s.ID {
		if prev, ok := r.byID[prevID]; ok {
			delete(r.byID, prevID)
			superseded = &prev
		}
	}
	if existing, ok := r.byID[s.ID]; ok && existing.ClientID != s.ClientID {
		// same session re-registered under another client
		if r.byClient[existing.ClientID] == s.ID {
			delete(r.byClient, existing.ClientID)
		}
	}
	r.byID[s.ID] = s
	r.byClient[s.ClientID] = s.ID
	r.count.Store(int64(len(r.byID)))
	r.mu.Unlock()

	log := r.log.WithComponent("session_registry").WithFields(logger.Fields{
		"session_id": s.ID,
		"client_id":  s.ClientID,
		"exchange":   s.Exchange,
		"kind":       s.Kind().String(),
	})
	if superseded != nil {
		log.WithFields(logger.Fields{"superseded_session_id": superseded.ID}).Info("session superseded")
	} else {
		log.Debug("session registered")
	}
	return superseded, nil
}

// Remove deletes a session by id. Removing an unknown id is a no-op and
// reports false.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if r.byClient[s.ClientID] == sessionID {
			delete(r.byClient, s.ClientID)
		}
		r.count.Store(int64(len(r.byID)))
	}
	r.mu.Unlock()

	if ok {
		r.log.WithComponent("session_registry").WithFields(logger.Fields{
			"session_id": sessionID,
			"client_id":  s.ClientID,
		}).Debug("session removed")
	}
	return ok
}

// Active returns a point-in-time snapshot in no particular order.
func (r *Registry) Active() []ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientSession, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Count is the number of sessions after the last completed mutation.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Get looks a session up without treating a miss as an error.
func (r *Registry) Get(sessionID string) (ClientSession, bool) {
	r.mu.RLock()
	s, ok := r.byID[sessionID]
	r.mu.RUnlock()
	return s, ok
}

// MustGet is Get for callers that prefer an error value.
func (r *Registry) MustGet(sessionID string) (ClientSession, error) {
	s, ok := r.Get(sessionID)
	if !ok {
		return ClientSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// ForClient returns the active session of a client.
func (r *Registry) ForClient(clientID string) (ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[clientID]
	if !ok {
		return ClientSession{}, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// CloseAll empties the registry and closes every handle. Used at shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]ClientSession, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.byID = make(map[string]ClientSession)
	r.byClient = make(map[string]string)
	r.count.Store(0)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session %s (%s): %w", s.ID, s.Kind(), err))
		}
	}

	r.log.WithComponent("session_registry").WithFields(logger.Fields{
		"closed": len(sessions),
		"errors": len(errs),
	}).Info("closed all sessions")
	return errors.Join(errs...)
}
