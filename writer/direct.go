package writer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/session"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// SessionStore is the part of the session registry the direct writer needs.
type SessionStore interface {
	Register(clientID string, s session.ClientSession) (*session.ClientSession, error)
	Remove(sessionID string) bool
}

// DirectWriter streams every trade to the websocket clients connected to it.
// Each client is a live-socket session with its own bounded queue; a trade
// that does not fit is dropped for that client only, so one slow reader never
// holds back the fanout.
type DirectWriter struct {
	in       *channel.TradeChannel
	cfg      config.DirectConfig
	sessions SessionStore
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*streamClient
	closed    bool

	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	counters
}

type streamClient struct {
	sessionID string
	clientID  string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	exchange  string
	pairs     map[models.CurrencyPair]struct{}
	dropped   atomic.Int64
}

// wants reports whether the client's filters accept trade.
func (c *streamClient) wants(trade models.NormalizedMessage) bool {
	if c.exchange != "" && !strings.EqualFold(c.exchange, trade.Exchange) {
		return false
	}
	if len(c.pairs) == 0 {
		return true
	}
	_, ok := c.pairs[trade.Pair()]
	return ok
}

func NewDirectWriter(cfg config.DirectConfig, in *channel.TradeChannel, sessions SessionStore) *DirectWriter {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &DirectWriter{
		in:       in,
		cfg:      cfg,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*streamClient),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (w *DirectWriter) Name() string { return "direct" }

func (w *DirectWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("direct writer already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *DirectWriter) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.closeClients()
	for {
		select {
		case <-ctx.Done():
			return
		case trade, ok := <-w.in.C():
			if !ok {
				return
			}
			w.broadcast(trade)
		}
	}
}

// broadcast encodes trade once and queues it on every interested client.
func (w *DirectWriter) broadcast(trade models.NormalizedMessage) {
	data, err := json.Marshal(trade)
	if err != nil {
		w.errors.Add(1)
		w.log.WithComponent("direct_writer").WithError(err).Error("failed to encode trade")
		return
	}
	w.messages.Add(1)
	metrics.AddPublished(w.Name(), 1)

	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	for _, c := range w.clients {
		if !c.wants(trade) {
			continue
		}
		select {
		case c.send <- data:
			w.bytes.Add(int64(len(data)))
		default:
			c.dropped.Add(1)
			metrics.EmitDropMetric(w.log, metrics.DropMetricClient, trade.Exchange, trade.Symbol, "direct")
		}
	}
}

// closeClients ends every stream once no more trades will arrive. Clients
// that connect afterwards are turned away.
func (w *DirectWriter) closeClients() {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	w.closed = true
	for _, c := range w.clients {
		close(c.send)
	}
}

func (w *DirectWriter) Stop() {
	w.wg.Wait()
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *DirectWriter) Stats() metrics.WriterStats { return w.snapshot(w.in) }

// Clients is the number of connected stream clients.
func (w *DirectWriter) Clients() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

// ServeHTTP upgrades the request to a websocket and streams trades until the
// client goes away. The optional exchange and pairs (BASE/QUOTE, comma
// separated) query parameters narrow the stream; client_id names the client
// so a reconnect supersedes its previous session.
func (w *DirectWriter) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	log := w.log.WithComponent("direct_writer")

	pairs, err := parsePairFilter(r.URL.Query().Get("pairs"))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	w.clientsMu.RLock()
	closed := w.closed
	w.clientsMu.RUnlock()
	if closed {
		http.Error(rw, "trade stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	exchange := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("exchange")))
	sess, err := session.New(clientID, exchange, session.SocketHandleOf(conn))
	if err != nil {
		log.WithError(err).Warn("failed to create client session")
		_ = conn.Close()
		return
	}

	c := &streamClient{
		sessionID: sess.ID,
		clientID:  clientID,
		conn:      conn,
		send:      make(chan []byte, w.cfg.ClientBuffer),
		done:      make(chan struct{}),
		exchange:  exchange,
		pairs:     pairs,
	}
	if !w.addClient(c) {
		closeStream(conn, w.cfg.WriteTimeout, websocket.CloseGoingAway, "trade stream closed")
		return
	}
	superseded, err := w.sessions.Register(clientID, sess)
	if err != nil {
		log.WithError(err).Warn("failed to register client session")
		w.removeClient(c)
		_ = conn.Close()
		return
	}
	if superseded != nil && superseded.Handle.Socket != nil {
		_ = superseded.Handle.Socket.Close()
	}

	log.WithFields(logger.Fields{
		"session_id": c.sessionID,
		"client_id":  clientID,
		"exchange":   exchange,
		"pairs":      len(pairs),
	}).Info("stream client connected")

	go w.writeLoop(c)
	w.readLoop(c)

	close(c.done)
	w.removeClient(c)
	w.sessions.Remove(c.sessionID)
	_ = conn.Close()
	log.WithFields(logger.Fields{
		"session_id": c.sessionID,
		"client_id":  clientID,
		"dropped":    c.dropped.Load(),
	}).Info("stream client disconnected")
}

func (w *DirectWriter) addClient(c *streamClient) bool {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	if w.closed {
		return false
	}
	w.clients[c.sessionID] = c
	return true
}

func (w *DirectWriter) removeClient(c *streamClient) {
	w.clientsMu.Lock()
	delete(w.clients, c.sessionID)
	w.clientsMu.Unlock()
}

// readLoop only watches for the client going away. Anything the client sends
// is discarded.
func (w *DirectWriter) readLoop(c *streamClient) {
	c.conn.SetReadLimit(4096)
	pongWait := 2 * w.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer of c.conn. It ends when the send queue is
// closed, the client is gone or a write fails; closing the connection then
// ends readLoop.
func (w *DirectWriter) writeLoop(c *streamClient) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				closeStream(c.conn, w.cfg.WriteTimeout, websocket.CloseGoingAway, "trade stream closed")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func closeStream(conn *websocket.Conn, timeout time.Duration, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	_ = conn.Close()
}

func parsePairFilter(raw string) (map[models.CurrencyPair]struct{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[models.CurrencyPair]struct{})
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		p, err := models.ParsePair(entry)
		if err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, nil
}
