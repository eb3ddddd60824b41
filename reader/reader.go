// Package reader owns the exchange websocket connections. Each Reader keeps one
// connection alive, replays its subscriptions after every reconnect and hands
// raw frames to a bounded buffer.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/config"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/channel"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/health"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/metrics"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/protocol"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/session"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/internal/subscription"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/logger"
	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// maxPairsPerFrame caps the args of one subscribe frame where the exchange
// enforces a limit.
var maxPairsPerFrame = map[string]int{
	"bybit": 10,
}

var errStopped = errors.New("reader stopped")

// Options describe one connection.
type Options struct {
	// Connection names the connection and is used as the session client id.
	Connection string
	Exchange   string
	URL        string
	Format     protocol.Format
	Pairs      []models.CurrencyPair
	Reader     config.ReaderConfig
}

// Reader streams one exchange connection into a FrameBuffer.
type Reader struct {
	opts      Options
	dialer    Dialer
	manager   *subscription.Manager
	adapter   protocol.Adapter
	replaces  bool
	sessions  *session.Registry
	health    *health.Tracker
	buffer    *channel.FrameBuffer
	store     *subscription.Store
	limiter   *rate.Limiter
	backoff   *backoff.Backoff
	readLimit time.Duration

	// connMu serializes writes and the swap of conn between reconnects.
	connMu    sync.Mutex
	conn      Conn
	sessionID string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// New validates the initial pairs and prepares a reader. The buffer is closed
// when the reader exits. tracker may be nil.
func New(opts Options, dialer Dialer, adapters *protocol.Registry, manager *subscription.Manager, sessions *session.Registry, tracker *health.Tracker, buffer *channel.FrameBuffer) (*Reader, error) {
	adapter, err := adapters.Lookup(opts.Exchange)
	if err != nil {
		return nil, err
	}
	opts.Exchange = adapter.Name()
	if opts.Connection == "" {
		opts.Connection = opts.Exchange
	}

	r := &Reader{
		opts:     opts,
		dialer:   dialer,
		manager:  manager,
		adapter:  adapter,
		replaces: protocol.ReplacesSubscription(adapter),
		sessions: sessions,
		health:   tracker,
		buffer:   buffer,
		store:    subscription.NewStore(),
		limiter:  newLimiter(opts.Reader.SubscribeRate, opts.Reader.SubscribeBurst),
		backoff: &backoff.Backoff{
			Min:    opts.Reader.Backoff.Min,
			Max:    opts.Reader.Backoff.Max,
			Factor: opts.Reader.Backoff.Factor,
			Jitter: opts.Reader.Backoff.Jitter,
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	if opts.Reader.PingInterval > 0 {
		r.readLimit = 3 * opts.Reader.PingInterval
	}

	if len(opts.Pairs) > 0 {
		res, err := manager.Build(opts.Exchange, opts.Pairs, opts.Format)
		if err != nil {
			return nil, err
		}
		r.store.Add(res.Request.Pairs...)
	}

	r.entry().WithFields(logger.Fields{
		"url":   opts.URL,
		"pairs": r.store.Len(),
	}).Info("reader initialized")
	return r, nil
}

func (r *Reader) entry() *logger.Entry {
	return r.log.WithComponent("reader").WithConnection(r.opts.Connection, r.opts.Exchange)
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader %s already running", r.opts.Connection)
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.entry().WithFields(logger.Fields{"operation": "start"}).Info("starting reader")

	r.wg.Add(1)
	go r.run(r.ctx)
	return nil
}

// Stop closes the connection, stops accepting frames and waits for the run
// loop. Frames already buffered stay readable.
func (r *Reader) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	r.entry().Info("stopping reader")
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.entry().Info("reader stopped")
}

// Pairs returns the pairs replayed on the next reconnect.
func (r *Reader) Pairs() []models.CurrencyPair {
	return r.store.Active()
}

func (r *Reader) Connection() string { return r.opts.Connection }
func (r *Reader) Exchange() string   { return r.opts.Exchange }

// Subscribe validates pairs and subscribes the ones not active yet. Pairs are
// recorded only once the frame is written; when the connection is down they
// are recorded right away and sent on reconnect. Exchanges whose frames
// replace the subscription are sent the whole resulting set.
func (r *Reader) Subscribe(ctx context.Context, pairs []models.CurrencyPair) (*subscription.Result, error) {
	res, err := r.manager.Build(r.opts.Exchange, pairs, r.opts.Format)
	if err != nil {
		return nil, err
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	missing := r.store.Missing(res.Request.Pairs...)
	if len(missing) == 0 {
		return res, nil
	}
	if r.conn != nil {
		send := missing
		if r.replaces {
			send = append(r.store.Active(), missing...)
		}
		if err := r.sendSubscribe(ctx, r.conn, send, true); err != nil {
			return res, err
		}
	}
	r.store.Add(missing...)
	return res, nil
}

// Unsubscribe drops pairs from the connection. Pairs that were not active are
// ignored. Where frames replace the subscription the remaining pairs are
// resubscribed instead, and the unsubscribe frame is only sent once none are
// left.
func (r *Reader) Unsubscribe(ctx context.Context, pairs []models.CurrencyPair) ([]models.CurrencyPair, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	removed := r.store.Remove(models.UniquePairs(pairs)...)
	if len(removed) == 0 || r.conn == nil {
		return removed, nil
	}
	if r.replaces {
		if remaining := r.store.Active(); len(remaining) > 0 {
			return removed, r.sendSubscribe(ctx, r.conn, remaining, true)
		}
	}
	return removed, r.sendSubscribe(ctx, r.conn, removed, false)
}

func (r *Reader) run(ctx context.Context) {
	defer r.wg.Done()
	defer r.buffer.Close()
	defer r.markDown(errStopped)

	log := r.entry()

	for ctx.Err() == nil {
		r.markConnecting()
		conn, err := r.dialer.Dial(ctx, r.opts.URL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect")
			r.markDown(err)
			r.wait(ctx)
			continue
		}

		sess, err := r.register(conn)
		if err != nil {
			log.WithError(err).Error("failed to register session")
			conn.Close()
			r.wait(ctx)
			continue
		}

		if err := r.attach(ctx, conn, sess.ID); err != nil {
			r.teardown(conn, sess.ID)
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to resubscribe")
			r.markDown(err)
			metrics.IncrementReconnects(r.opts.Exchange)
			r.wait(ctx)
			continue
		}

		if r.health != nil {
			r.health.Up(r.opts.Connection, r.opts.Exchange, sess.ID)
		}
		log.WithFields(logger.Fields{"session_id": sess.ID, "pairs": r.store.Len()}).Info("connected")
		r.backoff.Reset()

		err = r.serve(ctx, conn)
		r.teardown(conn, sess.ID)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("connection lost, reconnecting")
		r.markDown(err)
		metrics.IncrementReconnects(r.opts.Exchange)
		r.wait(ctx)
	}
}

// register mints a session for conn. A superseded session of the same
// connection is closed here since the registry does no I/O.
func (r *Reader) register(conn Conn) (session.ClientSession, error) {
	sess, err := session.New(r.opts.Connection, r.opts.Exchange, session.SocketHandleOf(conn))
	if err != nil {
		return session.ClientSession{}, err
	}
	prev, err := r.sessions.Register(r.opts.Connection, sess)
	if err != nil {
		return session.ClientSession{}, err
	}
	if prev != nil && prev.Kind() == session.KindLiveSocket {
		prev.Handle.Socket.Close()
	}
	metrics.SetActiveSessions(r.sessions.Count())
	return sess, nil
}

// attach publishes conn to Subscribe/Unsubscribe and replays the stored pairs.
// Both happen under connMu so a concurrent Subscribe is sent exactly once.
func (r *Reader) attach(ctx context.Context, conn Conn, sessionID string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.conn = conn
	r.sessionID = sessionID

	active := r.store.Active()
	if len(active) == 0 {
		return nil
	}
	return r.sendSubscribe(ctx, conn, active, true)
}

// teardown detaches conn and removes its session. It is the only caller of
// Registry.Remove for a session, so removal happens exactly once.
func (r *Reader) teardown(conn Conn, sessionID string) {
	r.connMu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.sessionID = ""
	}
	r.connMu.Unlock()

	conn.Close()
	r.sessions.Remove(sessionID)
	metrics.SetActiveSessions(r.sessions.Count())
}

// sendSubscribe must be called with connMu held.
func (r *Reader) sendSubscribe(ctx context.Context, conn Conn, pairs []models.CurrencyPair, subscribe bool) error {
	for _, chunk := range chunkPairs(pairs, maxPairsPerFrame[r.opts.Exchange]) {
		var (
			res *subscription.Result
			err error
		)
		if subscribe {
			res, err = r.manager.Build(r.opts.Exchange, chunk, r.opts.Format)
		} else {
			res, err = r.manager.BuildUnsubscribe(r.opts.Exchange, chunk, r.opts.Format)
		}
		if err != nil {
			return err
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.write(conn, res.Message); err != nil {
			return err
		}
		r.entry().WithFields(logger.Fields{
			"pairs":     len(chunk),
			"subscribe": subscribe,
		}).Debug("subscription frame sent")
	}
	return nil
}

func (r *Reader) write(conn Conn, msg protocol.WireMessage) error {
	kind := websocket.TextMessage
	if msg.Binary {
		kind = websocket.BinaryMessage
	}
	return conn.WriteMessage(kind, msg.Payload)
}

func chunkPairs(pairs []models.CurrencyPair, size int) [][]models.CurrencyPair {
	if size <= 0 || len(pairs) <= size {
		return [][]models.CurrencyPair{pairs}
	}
	var chunks [][]models.CurrencyPair
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[start:end])
	}
	return chunks
}

// serve reads frames until the connection fails or ctx is done.
func (r *Reader) serve(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// unblock ReadMessage on cancellation
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if r.readLimit > 0 {
		conn.SetReadDeadline(time.Now().Add(r.readLimit))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(r.readLimit))
		})
	}
	r.keepAlive(connCtx, conn)

	log := r.entry()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if r.readLimit > 0 {
			conn.SetReadDeadline(time.Now().Add(r.readLimit))
		}

		msg := models.NewExchangeMessage(r.opts.Exchange, data, kind == websocket.BinaryMessage, time.Now().UTC())
		metrics.IncrementFramesReceived(r.opts.Exchange)
		logger.IncrementFrameRead(r.opts.Exchange, len(data))
		if r.health != nil {
			r.health.Frame(r.opts.Connection, r.opts.Exchange)
		}

		if dropped := r.buffer.Offer(ctx, msg, r.opts.Reader.BackpressureGrace); dropped > 0 {
			for i := 0; i < dropped; i++ {
				metrics.EmitDropMetric(r.log, metrics.DropMetricRawFrame, r.opts.Exchange, "", "raw")
			}
			log.WithFields(logger.Fields{
				"dropped":     dropped,
				"buffer_size": r.buffer.Cap(),
			}).Warn("raw buffer full, dropped oldest frames")
		}
	}
}

// keepAlive sends websocket pings and, for exchanges that want one, the
// application heartbeat. A failed write closes conn so serve returns.
func (r *Reader) keepAlive(ctx context.Context, conn Conn) {
	ping := r.opts.Reader.PingInterval
	if ping > 0 {
		go r.tick(ctx, conn, ping, func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		})
	}

	ka, ok := r.adapter.(protocol.KeepAliver)
	beat := r.opts.Reader.HeartbeatInterval
	if ok && beat > 0 {
		msg := ka.Heartbeat()
		go r.tick(ctx, conn, beat, func() error { return r.write(conn, msg) })
	}
}

func (r *Reader) tick(ctx context.Context, conn Conn, every time.Duration, send func() error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.connMu.Lock()
			err := send()
			r.connMu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					r.entry().WithError(err).Warn("keepalive failed, closing connection")
				}
				conn.Close()
				return
			}
		}
	}
}

func (r *Reader) wait(ctx context.Context) {
	d := r.backoff.Duration()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Reader) markConnecting() {
	if r.health != nil {
		r.health.Connecting(r.opts.Connection, r.opts.Exchange)
	}
}

func (r *Reader) markDown(err error) {
	if r.health == nil {
		return
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	r.health.Down(r.opts.Connection, r.opts.Exchange, err)
}
