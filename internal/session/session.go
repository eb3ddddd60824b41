package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the resource a session points at.
type Kind int

const (
	KindLiveSocket Kind = iota + 1
	KindCache
	KindDatabase
)

func (k Kind) String() string {
	switch k {
	case KindLiveSocket:
		return "live-socket"
	case KindCache:
		return "cache"
	case KindDatabase:
		return "database"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SocketHandle is the part of a websocket connection the registry may touch.
type SocketHandle interface {
	Close() error
}

// CacheHandle is a lease on a cache-backed session.
type CacheHandle interface {
	Release(ctx context.Context) error
}

// DatabaseHandle is a database-backed session resource.
type DatabaseHandle interface {
	Close() error
}

// Handle is a tagged union; exactly one member matches Kind. The registry
// holds a reference only, the resource belongs to whoever created it.
type Handle struct {
	Kind     Kind
	Socket   SocketHandle
	Cache    CacheHandle
	Database DatabaseHandle
}

func SocketHandleOf(s SocketHandle) Handle     { return Handle{Kind: KindLiveSocket, Socket: s} }
func CacheHandleOf(c CacheHandle) Handle       { return Handle{Kind: KindCache, Cache: c} }
func DatabaseHandleOf(d DatabaseHandle) Handle { return Handle{Kind: KindDatabase, Database: d} }

// ClientSession is one live connection. Reconnects mint a new ID.
type ClientSession struct {
	ID        string
	ClientID  string
	Exchange  string
	Handle    Handle
	CreatedAt time.Time
}

// ErrInvalidSession is returned when a session is missing its ids or its handle
// does not match its kind.
var ErrInvalidSession = errors.New("invalid session")

// New mints a session with a fresh id.
func New(clientID, exchange string, handle Handle) (ClientSession, error) {
	s := ClientSession{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Exchange:  exchange,
		Handle:    handle,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.validate(); err != nil {
		return ClientSession{}, err
	}
	return s, nil
}

// Kind is a shortcut for s.Handle.Kind.
func (s ClientSession) Kind() Kind {
	return s.Handle.Kind
}

func (s ClientSession) validate() error {
	if s.ID == "" || s.ClientID == "" {
		return fmt.Errorf("%w: session and client ids are required", ErrInvalidSession)
	}
	h := s.Handle
	ok := false
	switch h.Kind {
	case KindLiveSocket:
		ok = h.Socket != nil
	case KindCache:
		ok = h.Cache != nil
	case KindDatabase:
		ok = h.Database != nil
	}
	if !ok {
		return fmt.Errorf("%w: handle does not match kind %s", ErrInvalidSession, h.Kind)
	}
	return nil
}

// close releases the underlying resource. This is the only place the kind is switched on.
func (s ClientSession) close(ctx context.Context) error {
	switch s.Handle.Kind {
	case KindLiveSocket:
		return s.Handle.Socket.Close()
	case KindCache:
		return s.Handle.Cache.Release(ctx)
	case KindDatabase:
		return s.Handle.Database.Close()
	default:
		return nil
	}
}
