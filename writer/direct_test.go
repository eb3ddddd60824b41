package writer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/session"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

func startDirect(t *testing.T, cfg config.DirectConfig) (*DirectWriter, *channel.TradeChannel, *session.Registry, string) {
	t.Helper()
	in := channel.NewTradeChannel("direct", 16)
	reg := session.NewRegistry()
	w := NewDirectWriter(cfg, in, reg)
	require.NoError(t, w.Start(context.Background()))

	srv := httptest.NewServer(w)
	t.Cleanup(func() {
		in.Close()
		w.Stop()
		srv.Close()
	})
	return w, in, reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTrade(t *testing.T, conn *websocket.Conn) models.NormalizedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got models.NormalizedMessage
	require.NoError(t, json.Unmarshal(data, &got))
	return got
}

func TestDirectWriterStreamsFilteredTrades(t *testing.T) {
	w, in, reg, url := startDirect(t, config.DirectConfig{})
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	all := dialStream(t, url+"?client_id=dashboard")
	krw := dialStream(t, url+"?pairs=btc/krw&exchange=Upbit")
	require.Eventually(t, func() bool { return w.Clients() == 2 && reg.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	s, ok := reg.ForClient("dashboard")
	require.True(t, ok)
	assert.Equal(t, session.KindLiveSocket, s.Kind())

	ctx := context.Background()
	require.True(t, in.Send(ctx, trade(t, "binance", "BTC", "USDT", "1", ts)))
	require.True(t, in.Send(ctx, trade(t, "upbit", "BTC", "KRW", "2", ts)))

	first := readTrade(t, all)
	second := readTrade(t, all)
	assert.Equal(t, []string{"1", "2"}, []string{first.TradeID, second.TradeID})

	only := readTrade(t, krw)
	assert.Equal(t, "2", only.TradeID)
	assert.Equal(t, "KRW", only.QuoteCurrency)
	assert.Equal(t, int64(2), w.Stats().MessagesWritten)
}

func TestDirectWriterRemovesSessionOnDisconnect(t *testing.T) {
	w, _, reg, url := startDirect(t, config.DirectConfig{})

	conn := dialStream(t, url)
	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return reg.Count() == 0 && w.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDirectWriterReconnectSupersedesSession(t *testing.T) {
	w, _, reg, url := startDirect(t, config.DirectConfig{})

	old := dialStream(t, url+"?client_id=desk")
	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	first, ok := reg.ForClient("desk")
	require.True(t, ok)

	dialStream(t, url+"?client_id=desk")
	require.Eventually(t, func() bool {
		s, ok := reg.ForClient("desk")
		return ok && s.ID != first.ID && w.Clients() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the superseded socket was closed by the writer
	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := old.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, reg.Count())
}

func TestDirectWriterClosesStreamsWhenInputCloses(t *testing.T) {
	in := channel.NewTradeChannel("direct", 4)
	w := NewDirectWriter(config.DirectConfig{}, in, session.NewRegistry())
	require.NoError(t, w.Start(context.Background()))
	srv := httptest.NewServer(w)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dialStream(t, url)
	require.Eventually(t, func() bool { return w.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	in.Close()
	w.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDirectWriterRejectsBadPairFilter(t *testing.T) {
	_, _, _, url := startDirect(t, config.DirectConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?pairs=BTCKRW", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectWriterDropsForFullClientOnly(t *testing.T) {
	w := NewDirectWriter(config.DirectConfig{ClientBuffer: 1}, channel.NewTradeChannel("direct", 1), session.NewRegistry())
	slow := &streamClient{sessionID: "slow", send: make(chan []byte, 1)}
	fast := &streamClient{sessionID: "fast", send: make(chan []byte, 4)}
	w.clients[slow.sessionID] = slow
	w.clients[fast.sessionID] = fast

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"1", "2", "3"} {
		w.broadcast(trade(t, "okx", "ETH", "USDT", id, ts))
	}

	assert.Equal(t, int64(2), slow.dropped.Load())
	assert.Len(t, slow.send, 1)
	assert.Equal(t, int64(0), fast.dropped.Load())
	assert.Len(t, fast.send, 3)
	assert.Equal(t, int64(3), w.Stats().MessagesWritten)
}
