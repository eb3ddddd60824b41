package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct{ closed atomic.Int32 }

func (f *fakeSocket) Close() error { f.closed.Add(1); return nil }

type fakeCache struct{ released bool }

func (f *fakeCache) Release(context.Context) error { f.released = true; return nil }

type failingDB struct{}

func (failingDB) Close() error { return errors.New("db gone") }

func newSocketSession(t *testing.T, clientID string) (ClientSession, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	s, err := New(clientID, "binance", SocketHandleOf(sock))
	require.NoError(t, err)
	return s, sock
}

func TestNewValidatesHandleKind(t *testing.T) {
	_, err := New("c1", "binance", Handle{Kind: KindCache, Socket: &fakeSocket{}})
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = New("", "binance", SocketHandleOf(&fakeSocket{}))
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestNewMintsUniqueIDs(t *testing.T) {
	a, _ := newSocketSession(t, "c1")
	b, _ := newSocketSession(t, "c1")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s, _ := newSocketSession(t, "c1")

	prev, err := r.Register("c1", s)
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, KindLiveSocket, got.Kind())

	byClient, ok := r.ForClient("c1")
	require.True(t, ok)
	assert.Equal(t, s.ID, byClient.ID)
}

func TestGetMissingIsAbsent(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("missing")
	assert.False(t, ok)

	_, err := r.MustGet("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegisterSupersedesPreviousSessionOfClient(t *testing.T) {
	r := NewRegistry()
	first, firstSock := newSocketSession(t, "c1")
	second, _ := newSocketSession(t, "c1")

	_, err := r.Register("c1", first)
	require.NoError(t, err)
	prev, err := r.Register("c1", second)
	require.NoError(t, err)

	require.NotNil(t, prev)
	assert.Equal(t, first.ID, prev.ID)
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get(first.ID)
	assert.False(t, ok)
	assert.Zero(t, firstSock.closed.Load(), "registry must not perform I/O on the superseded session")
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s, _ := newSocketSession(t, "c1")
	other, _ := newSocketSession(t, "c2")
	_, _ = r.Register("c1", s)
	_, _ = r.Register("c2", other)

	assert.True(t, r.Remove(s.ID))
	afterOnce := r.Active()
	assert.False(t, r.Remove(s.ID))
	afterTwice := r.Active()

	assert.Equal(t, afterOnce, afterTwice)
	assert.Equal(t, 1, r.Count())
	_, ok := r.ForClient("c1")
	assert.False(t, ok)
}

func TestRemoveStaleSessionKeepsClientMapping(t *testing.T) {
	r := NewRegistry()
	first, _ := newSocketSession(t, "c1")
	second, _ := newSocketSession(t, "c1")
	_, _ = r.Register("c1", first)
	_, _ = r.Register("c1", second)

	assert.False(t, r.Remove(first.ID))
	current, ok := r.ForClient("c1")
	require.True(t, ok)
	assert.Equal(t, second.ID, current.ID)
}

func TestCountMatchesActiveUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				client := fmt.Sprintf("client-%d-%d", w, i%10)
				s, err := New(client, "okx", SocketHandleOf(&fakeSocket{}))
				if err != nil {
					t.Error(err)
					return
				}
				_, _ = r.Register(client, s)
				if i%3 == 0 {
					r.Remove(s.ID)
				}
				_ = r.Count()
				_ = r.Active()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, len(r.Active()), r.Count())
	assert.LessOrEqual(t, r.Count(), 80)
}

func TestCloseAllClosesEveryKind(t *testing.T) {
	r := NewRegistry()
	sock := &fakeSocket{}
	cache := &fakeCache{}

	s1, err := New("a", "upbit", SocketHandleOf(sock))
	require.NoError(t, err)
	s2, err := New("b", "", CacheHandleOf(cache))
	require.NoError(t, err)
	s3, err := New("c", "", DatabaseHandleOf(failingDB{}))
	require.NoError(t, err)
	for _, s := range []ClientSession{s1, s2, s3} {
		_, err := r.Register(s.ClientID, s)
		require.NoError(t, err)
	}

	err = r.CloseAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db gone")
	assert.Equal(t, int32(1), sock.closed.Load())
	assert.True(t, cache.released)
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Active())
}
