package reader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/health"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/session"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/subscription"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

var errDropped = errors.New("connection dropped")

type inbound struct {
	kind int
	data []byte
	err  error
}

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	written   chan struct{}
	inbound   chan inbound
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written: make(chan struct{}, 64),
		inbound: make(chan inbound, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case in := <-c.inbound:
		return in.kind, in.data, in.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	c.written <- struct{}{}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) waitWrites(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.written:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for write %d of %d", i+1, n)
		}
	}
	return c.Writes()
}

type fakeDialer struct {
	conns chan *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type catalog struct{}

func (catalog) SupportedSymbols(string) []string { return []string{"BTC", "ETH", "SOL"} }
func (catalog) SupportedQuotes(string) []string  { return []string{"USDT"} }

type fixture struct {
	reader   *Reader
	dialer   *fakeDialer
	sessions *session.Registry
	tracker  *health.Tracker
	buffer   *channel.FrameBuffer
	adapter  protocol.Adapter
}

func newFixture(t *testing.T, exchange string, pairs ...models.CurrencyPair) *fixture {
	t.Helper()
	return newSizedFixture(t, exchange, 16, pairs...)
}

func newSizedFixture(t *testing.T, exchange string, bufferSize int, pairs ...models.CurrencyPair) *fixture {
	t.Helper()
	adapters := protocol.NewRegistry()
	adapter, err := adapters.Lookup(exchange)
	require.NoError(t, err)

	f := &fixture{
		dialer:   &fakeDialer{conns: make(chan *fakeConn, 4)},
		sessions: session.NewRegistry(),
		tracker:  health.NewTracker(3),
		buffer:   channel.NewFrameBuffer(exchange+"-0", bufferSize),
		adapter:  adapter,
	}
	f.reader, err = New(Options{
		Connection: exchange + "-0",
		Exchange:   exchange,
		URL:        "wss://example.invalid/ws",
		Pairs:      pairs,
		Reader: config.ReaderConfig{
			Backoff: config.BackoffConfig{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		},
	}, f.dialer, adapters, subscription.NewManager(adapters, catalog{}), f.sessions, f.tracker, f.buffer)
	require.NoError(t, err)
	return f
}

func (f *fixture) subscribeFrame(t *testing.T, pairs ...models.CurrencyPair) string {
	t.Helper()
	msg, err := f.adapter.CreateSubscribeMessage(pairs, protocol.FormatDefault)
	require.NoError(t, err)
	return msg.String()
}

func TestNewRejectsUnsupportedPairs(t *testing.T) {
	adapters := protocol.NewRegistry()
	_, err := New(Options{Exchange: "binance", Pairs: []models.CurrencyPair{models.MustPair("FAKE", "USDT")}},
		&fakeDialer{}, adapters, subscription.NewManager(adapters, catalog{}), session.NewRegistry(), nil, channel.NewFrameBuffer("x", 1))
	var nsp *subscription.NoSupportedPairsError
	assert.ErrorAs(t, err, &nsp)
}

func TestReaderForwardsFrames(t *testing.T) {
	f := newFixture(t, "upbit", models.MustPair("BTC", "USDT"))
	conn := newFakeConn()
	f.dialer.conns <- conn

	require.NoError(t, f.reader.Start(context.Background()))
	conn.waitWrites(t, 1)

	conn.inbound <- inbound{kind: websocket.BinaryMessage, data: []byte(`{"ty":"trade"}`)}
	select {
	case msg := <-f.buffer.C():
		assert.Equal(t, "upbit", msg.Exchange)
		assert.True(t, msg.Binary)
		assert.Equal(t, `{"ty":"trade"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}

	assert.Equal(t, 1, f.sessions.Count())
	f.reader.Stop()

	assert.Zero(t, f.sessions.Count())
	_, open := <-f.buffer.C()
	assert.False(t, open, "buffer closed when the reader stops")
}

func TestReaderResubscribesActivePairsAfterDrop(t *testing.T) {
	btc, eth, sol := models.MustPair("BTC", "USDT"), models.MustPair("ETH", "USDT"), models.MustPair("SOL", "USDT")
	f := newFixture(t, "binance", btc, eth)

	first := newFakeConn()
	f.dialer.conns <- first
	require.NoError(t, f.reader.Start(context.Background()))
	defer f.reader.Stop()

	writes := first.waitWrites(t, 1)
	assert.Equal(t, f.subscribeFrame(t, btc, eth), writes[0])

	_, err := f.reader.Subscribe(context.Background(), []models.CurrencyPair{sol, btc})
	require.NoError(t, err)
	_, err = f.reader.Unsubscribe(context.Background(), []models.CurrencyPair{eth})
	require.NoError(t, err)
	writes = first.waitWrites(t, 2)
	assert.Equal(t, f.subscribeFrame(t, sol), writes[1], "only the new pair is sent")
	assert.Len(t, writes, 3)

	firstSession, ok := f.sessions.ForClient("binance-0")
	require.True(t, ok)

	second := newFakeConn()
	f.dialer.conns <- second
	first.inbound <- inbound{err: errDropped}

	writes = second.waitWrites(t, 1)
	assert.Equal(t, []string{f.subscribeFrame(t, btc, sol)}, writes)
	assert.ElementsMatch(t, []models.CurrencyPair{btc, sol}, f.reader.Pairs())

	require.Eventually(t, func() bool {
		s, ok := f.sessions.ForClient("binance-0")
		return ok && s.ID != firstSession.ID
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sessions.Count())
	_, ok = f.sessions.Get(firstSession.ID)
	assert.False(t, ok)
}

func TestReaderSubscribeWhileDisconnectedIsReplayed(t *testing.T) {
	btc, eth := models.MustPair("BTC", "USDT"), models.MustPair("ETH", "USDT")
	f := newFixture(t, "okx")

	_, err := f.reader.Subscribe(context.Background(), []models.CurrencyPair{btc, eth})
	require.NoError(t, err)

	conn := newFakeConn()
	f.dialer.conns <- conn
	require.NoError(t, f.reader.Start(context.Background()))
	defer f.reader.Stop()

	writes := conn.waitWrites(t, 1)
	assert.Equal(t, f.subscribeFrame(t, btc, eth), writes[0])
}

// upbitRequest returns the codes of the trade section of an upbit frame.
func upbitRequest(t *testing.T, frame string) (codes []string, snapshotOnly bool) {
	t.Helper()
	var sections []struct {
		Type           string   `json:"type"`
		Codes          []string `json:"codes"`
		IsOnlySnapshot bool     `json:"is_only_snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(frame), &sections))
	for _, s := range sections {
		if s.Type == "trade" {
			return s.Codes, s.IsOnlySnapshot
		}
	}
	t.Fatalf("no trade section in %s", frame)
	return nil, false
}

func TestReaderReplacingExchangeKeepsWholeSet(t *testing.T) {
	btc, eth, sol := models.MustPair("BTC", "USDT"), models.MustPair("ETH", "USDT"), models.MustPair("SOL", "USDT")
	f := newFixture(t, "upbit", btc)

	conn := newFakeConn()
	f.dialer.conns <- conn
	require.NoError(t, f.reader.Start(context.Background()))
	defer f.reader.Stop()
	conn.waitWrites(t, 1)

	_, err := f.reader.Subscribe(context.Background(), []models.CurrencyPair{eth})
	require.NoError(t, err)
	writes := conn.waitWrites(t, 1)
	codes, snapshot := upbitRequest(t, writes[1])
	assert.ElementsMatch(t, []string{"USDT-BTC", "USDT-ETH"}, codes)
	assert.False(t, snapshot)

	_, err = f.reader.Subscribe(context.Background(), []models.CurrencyPair{sol})
	require.NoError(t, err)
	_, err = f.reader.Unsubscribe(context.Background(), []models.CurrencyPair{btc})
	require.NoError(t, err)
	writes = conn.waitWrites(t, 2)
	codes, _ = upbitRequest(t, writes[2])
	assert.ElementsMatch(t, []string{"USDT-BTC", "USDT-ETH", "USDT-SOL"}, codes)
	codes, snapshot = upbitRequest(t, writes[3])
	assert.ElementsMatch(t, []string{"USDT-ETH", "USDT-SOL"}, codes, "remaining pairs are resubscribed")
	assert.False(t, snapshot)

	_, err = f.reader.Unsubscribe(context.Background(), []models.CurrencyPair{eth, sol})
	require.NoError(t, err)
	writes = conn.waitWrites(t, 1)
	codes, snapshot = upbitRequest(t, writes[4])
	assert.ElementsMatch(t, []string{"USDT-ETH", "USDT-SOL"}, codes)
	assert.True(t, snapshot, "last pairs end the realtime stream")
	assert.Empty(t, f.reader.Pairs())
}

// framesDroppedTotal reads tradeflow_frames_dropped_total for exchange.
func framesDroppedTotal(t *testing.T, exchange string) float64 {
	t.Helper()
	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tradeflow_frames_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "exchange" && l.GetValue() == exchange {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReaderShedsOldestFramesOnSustainedOverflow(t *testing.T) {
	metrics.Init()
	before := framesDroppedTotal(t, "okx")

	f := newSizedFixture(t, "okx", 1, models.MustPair("BTC", "USDT"))
	conn := newFakeConn()
	f.dialer.conns <- conn
	require.NoError(t, f.reader.Start(context.Background()))
	defer f.reader.Stop()
	conn.waitWrites(t, 1)

	// nothing consumes the buffer
	for _, payload := range []string{"1", "2", "3", "4", "5"} {
		conn.inbound <- inbound{kind: websocket.TextMessage, data: []byte(`{"seq":` + payload + `}`)}
	}
	require.Eventually(t, func() bool {
		return f.buffer.GetStats().Sent == 5 && framesDroppedTotal(t, "okx")-before == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(4), f.buffer.GetStats().Dropped)

	select {
	case msg := <-f.buffer.C():
		assert.Equal(t, `{"seq":5}`, string(msg.Payload), "newest frame survives")
	case <-time.After(time.Second):
		t.Fatal("buffer empty")
	}
}

func TestReaderHealthFollowsConnection(t *testing.T) {
	f := newFixture(t, "bithumb", models.MustPair("BTC", "USDT"))
	conn := newFakeConn()
	f.dialer.conns <- conn

	require.NoError(t, f.reader.Start(context.Background()))
	conn.waitWrites(t, 1)
	require.Eventually(t, func() bool {
		snap := f.tracker.Snapshot()
		return len(snap) == 1 && snap[0].State == health.StateUp
	}, 2*time.Second, 5*time.Millisecond)

	f.reader.Stop()
	snap := f.tracker.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, health.StateDown, snap[0].State)
}

func TestReaderStartTwice(t *testing.T) {
	f := newFixture(t, "bybit", models.MustPair("BTC", "USDT"))
	require.NoError(t, f.reader.Start(context.Background()))
	assert.Error(t, f.reader.Start(context.Background()))
	f.reader.Stop()
}

func TestChunkPairs(t *testing.T) {
	pairs := make([]models.CurrencyPair, 0, 23)
	for i := 0; i < 23; i++ {
		pairs = append(pairs, models.MustPair("A"+string(rune('A'+i)), "USDT"))
	}
	chunks := chunkPairs(pairs, 10)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 3)
	assert.Len(t, chunkPairs(pairs, 0), 1)
}
