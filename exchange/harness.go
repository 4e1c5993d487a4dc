package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"bookflow/internal/errorhandler"
	"bookflow/internal/metrics"
	"bookflow/internal/metrics/rate"
	"bookflow/logger"
	"bookflow/models"
)

const writeWait = 10 * time.Second

// Harness owns one WebSocket and everything around it that is not specific
// to an exchange. Adapters embed it and supply a Protocol.
type Harness struct {
	opts     Options
	proto    Protocol
	reporter ErrorReporter
	log      *logger.Log
	entry    *logger.Entry
	dialer   *websocket.Dialer

	mu           sync.Mutex
	status       models.Status
	symbol       string
	subscribed   bool
	conn         *websocket.Conn
	gen          uint64
	stopKeep     context.CancelFunc
	manual       bool
	attempts     int
	backoff      *backoff.ExponentialBackOff
	timer        *time.Timer
	lastDelay    time.Duration
	lastActivity time.Time

	writeMu sync.Mutex

	cbMu         sync.RWMutex
	onBook       []func(models.OrderBookData)
	onTrade      []func(models.Trade)
	onTicker     []func(models.Ticker)
	onError      []func(models.ErrorContext)
	onIPBlock    []func(models.ErrorContext)
	onConnect    []func()
	onDisconnect []func()
}

// NewHarness builds a disconnected harness. reporter may be nil.
func NewHarness(opts Options, proto Protocol, reporter ErrorReporter, log *logger.Log) *Harness {
	opts = opts.WithDefaults()
	if log == nil {
		log = logger.GetLogger()
	}
	h := &Harness{
		opts:     opts,
		proto:    proto,
		reporter: reporter,
		log:      log,
		entry:    log.WithComponent("harness").WithExchange(opts.ID),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		status: models.StatusDisconnected,
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     opts.BaseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         opts.MaxDelay,
		},
	}
	h.backoff.Reset()
	return h
}

func (h *Harness) ID() string { return h.opts.ID }

// Options returns the effective options after defaults.
func (h *Harness) Options() Options { return h.opts }

// Log returns the harness log entry, tagged with the exchange id.
func (h *Harness) Log() *logger.Entry { return h.entry }

func (h *Harness) Status() models.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Harness) Symbol() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.symbol
}

// Attempts returns the reconnect attempts made since the last successful connect.
func (h *Harness) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// PendingReconnect reports whether a reconnect timer is armed, and its delay.
func (h *Harness) PendingReconnect() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastDelay, h.timer != nil
}

func (h *Harness) setStatusLocked(s models.Status) {
	h.status = s
	metrics.SetConnectionStatus(h.opts.ID, string(s))
}

// Connect dials the exchange. It is a no-op while connecting or connected.
// On failure the error is reported and a reconnect is scheduled.
func (h *Harness) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.status == models.StatusConnecting || h.status == models.StatusConnected {
		h.mu.Unlock()
		return nil
	}
	h.manual = false
	h.stopTimerLocked()
	h.setStatusLocked(models.StatusConnecting)
	h.mu.Unlock()
	return h.dial(ctx)
}

func (h *Harness) dial(ctx context.Context) error {
	h.entry.WithFields(logger.Fields{"url": h.opts.URL}).Debug("dialing")
	conn, resp, err := h.dialer.DialContext(ctx, h.opts.URL, h.opts.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		err = fmt.Errorf("dial %s: %w", h.opts.URL, err)

		h.mu.Lock()
		manual := h.manual
		if !manual {
			h.setStatusLocked(models.StatusError)
		}
		h.mu.Unlock()
		if manual {
			return err
		}
		h.NotifyError(err, models.CategoryConnection)
		h.scheduleReconnect()
		return err
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if h.manual {
		h.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrNotConnected
	}
	h.gen++
	gen := h.gen
	h.conn = conn
	h.stopKeep = cancel
	h.lastActivity = time.Now()
	h.attempts = 0
	h.backoff.Reset()
	h.subscribed = false
	symbol := h.symbol
	h.setStatusLocked(models.StatusConnected)
	h.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		h.touch()
		return nil
	})
	go h.readLoop(conn, gen)
	go h.keepAlive(keepCtx, conn, gen)

	h.entry.Info("connected")
	h.fire(h.connectCallbacks())

	if symbol != "" {
		if err := h.sendSubscribe(symbol); err != nil {
			h.entry.WithError(err).Warn("subscribe after connect failed")
		}
	}
	return nil
}

func (h *Harness) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Harness) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			h.drop(gen, fmt.Errorf("read: %w", err))
			return
		}
		h.touch()
		if dec, ok := h.proto.(Decoder); ok {
			data, err = dec.Decode(mt, data)
			if err != nil {
				h.NotifyError(fmt.Errorf("decode frame: %w", err), models.CategoryParsing)
				continue
			}
		}
		metrics.IncrementMessage(h.opts.ID)
		logger.RecordExchangeMessage(h.opts.ID, len(data))
		h.handle(data)
	}
}

func (h *Harness) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.NotifyError(fmt.Errorf("message handler panic: %v", r), models.CategoryParsing)
		}
	}()
	h.proto.HandleMessage(data)
}

func (h *Harness) keepAlive(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			idle := time.Since(h.lastActivity)
			h.mu.Unlock()
			if idle > h.opts.PingInterval+h.opts.PongTimeout {
				h.drop(gen, fmt.Errorf("no data for %s: pong timeout", idle.Round(time.Millisecond)))
				return
			}
			if err := h.ping(conn); err != nil {
				h.drop(gen, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (h *Harness) ping(conn *websocket.Conn) error {
	if p, ok := h.proto.(Pinger); ok {
		return h.writeTo(conn, p.PingMessage())
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// drop tears down the connection of generation gen after a failure and
// schedules a reconnect. Stale generations are ignored.
func (h *Harness) drop(gen uint64, cause error) {
	h.mu.Lock()
	if gen != h.gen || h.manual {
		h.mu.Unlock()
		return
	}
	h.closeConnLocked()
	h.subscribed = false
	h.setStatusLocked(models.StatusError)
	h.mu.Unlock()

	h.fire(h.disconnectCallbacks())
	h.NotifyError(cause, models.CategoryNetwork)
	h.scheduleReconnect()
}

// closeConnLocked closes the socket and invalidates its goroutines.
func (h *Harness) closeConnLocked() *websocket.Conn {
	conn := h.conn
	h.gen++
	h.conn = nil
	if h.stopKeep != nil {
		h.stopKeep()
		h.stopKeep = nil
	}
	if conn != nil {
		_ = conn.Close()
	}
	return conn
}

func (h *Harness) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// scheduleReconnect arms the reconnect timer with base*2^attempts capped at
// MaxDelay. After MaxReconnectAttempts it waits ResetDelay and starts over.
func (h *Harness) scheduleReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.manual || h.timer != nil || h.status == models.StatusConnected || h.status == models.StatusConnecting {
		return
	}

	var delay time.Duration
	if h.attempts >= h.opts.MaxReconnectAttempts {
		delay = h.opts.ResetDelay
		h.attempts = 0
		h.backoff.Reset()
		h.entry.WithFields(logger.Fields{"delay": delay.String()}).Warn("reconnect attempts exhausted, backing off")
	} else {
		delay = h.backoff.NextBackOff()
		h.attempts++
	}
	h.lastDelay = delay
	h.timer = time.AfterFunc(delay, h.fireReconnect)
	h.entry.WithFields(logger.Fields{"delay": delay.String(), "attempt": h.attempts}).Info("reconnect scheduled")
}

func (h *Harness) fireReconnect() {
	h.mu.Lock()
	h.timer = nil
	if h.manual || h.status == models.StatusConnected || h.status == models.StatusConnecting {
		h.mu.Unlock()
		return
	}
	h.setStatusLocked(models.StatusConnecting)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.HandshakeTimeout)
	defer cancel()
	_ = h.dial(ctx)
}

// Reconnect drops the current socket, if any, and schedules a new connection
// after the current backoff delay. A pending reconnect is left untouched.
func (h *Harness) Reconnect() {
	h.mu.Lock()
	h.manual = false
	if h.timer != nil {
		h.mu.Unlock()
		return
	}
	hadConn := h.closeConnLocked() != nil
	h.subscribed = false
	h.setStatusLocked(models.StatusDisconnected)
	h.mu.Unlock()

	if hadConn {
		h.fire(h.disconnectCallbacks())
	}
	h.scheduleReconnect()
}

// Disconnect closes the socket and cancels any pending reconnect. It is safe
// to call at any time.
func (h *Harness) Disconnect() {
	h.mu.Lock()
	h.manual = true
	h.stopTimerLocked()
	conn := h.conn
	h.conn = nil
	h.gen++
	if h.stopKeep != nil {
		h.stopKeep()
		h.stopKeep = nil
	}
	h.subscribed = false
	h.attempts = 0
	h.backoff.Reset()
	prev := h.status
	h.setStatusLocked(models.StatusDisconnected)
	h.mu.Unlock()

	if conn != nil {
		h.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		h.writeMu.Unlock()
		_ = conn.Close()
	}
	if prev != models.StatusDisconnected {
		h.entry.Info("disconnected")
		h.fire(h.disconnectCallbacks())
	}
}

// Subscribe makes symbol the active subscription. When connected the
// subscribe frames are written now, otherwise on the next connect. A previous
// symbol is unsubscribed first.
func (h *Harness) Subscribe(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errors.New("exchange: empty symbol")
	}

	h.mu.Lock()
	prev, wasSubscribed := h.symbol, h.subscribed
	if prev == symbol && wasSubscribed {
		h.mu.Unlock()
		return nil
	}
	h.symbol = symbol
	connected := h.status == models.StatusConnected
	h.mu.Unlock()

	if connected && wasSubscribed && prev != "" && prev != symbol {
		if err := h.sendUnsubscribe(prev); err != nil {
			h.entry.WithError(err).Warn("unsubscribe of previous symbol failed")
		}
	}
	if !connected {
		h.proto.Reset()
		return nil
	}
	return h.sendSubscribe(symbol)
}

// Unsubscribe stops symbol when it is the active subscription.
func (h *Harness) Unsubscribe(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	h.mu.Lock()
	if symbol != "" && h.symbol != symbol {
		h.mu.Unlock()
		return nil
	}
	symbol = h.symbol
	wasSubscribed := h.subscribed
	connected := h.status == models.StatusConnected
	h.symbol = ""
	h.subscribed = false
	h.mu.Unlock()

	h.proto.Reset()
	if !connected || !wasSubscribed || symbol == "" {
		return nil
	}
	return h.sendUnsubscribe(symbol)
}

// Resubscribe unsubscribes and subscribes the active symbol again, which
// makes exchanges push a fresh snapshot after a sequence gap.
func (h *Harness) Resubscribe() error {
	symbol := h.Symbol()
	if symbol == "" {
		return nil
	}
	if err := h.sendUnsubscribe(symbol); err != nil {
		h.NotifyError(err, models.CategorySubscription)
		return err
	}
	return h.sendSubscribe(symbol)
}

func (h *Harness) sendSubscribe(symbol string) error {
	h.proto.Reset()
	msgs, err := h.proto.SubscribeMessages(symbol)
	if err != nil {
		err = fmt.Errorf("subscribe %s: %w", symbol, err)
		h.NotifyError(err, models.CategorySubscription)
		return err
	}
	for _, msg := range msgs {
		if err := h.Send(msg); err != nil {
			err = fmt.Errorf("subscribe %s: %w", symbol, err)
			h.NotifyError(err, models.CategorySubscription)
			return err
		}
	}

	h.mu.Lock()
	if h.symbol == symbol {
		h.subscribed = true
	}
	h.mu.Unlock()
	h.entry.WithFields(logger.Fields{"symbol": symbol}).Info("subscribed")
	return nil
}

func (h *Harness) sendUnsubscribe(symbol string) error {
	msgs, err := h.proto.UnsubscribeMessages(symbol)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", symbol, err)
	}
	for _, msg := range msgs {
		if err := h.Send(msg); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", symbol, err)
		}
	}
	h.entry.WithFields(logger.Fields{"symbol": symbol}).Info("unsubscribed")
	return nil
}

// Send writes msg on the live socket.
func (h *Harness) Send(msg any) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return h.writeTo(conn, msg)
}

func (h *Harness) writeTo(conn *websocket.Conn, msg any) error {
	var payload []byte
	switch m := msg.(type) {
	case []byte:
		payload = m
	case string:
		payload = []byte(m)
	default:
		var err error
		if payload, err = json.Marshal(m); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// NotifyError scans err for rate limit and ip block wording, forwards it to
// the error reporter and to local error callbacks.
func (h *Harness) NotifyError(err error, category models.ErrorCategory) {
	if err == nil {
		return
	}
	symbol := h.Symbol()
	ec := models.ErrorContext{
		ExchangeID: h.opts.ID,
		Symbol:     symbol,
		Err:        err,
		Category:   category,
		Timestamp:  time.Now(),
	}

	if category != models.CategoryData && category != models.CategoryParsing {
		rateLimited, blocked := errorhandler.Classify(h.opts.ID, err.Error())
		if rateLimited || blocked {
			ec.Category = models.CategoryRateLimit
			if blocked {
				metrics.IncrementIPBlock(h.opts.ID)
				rate.ReportIPBan(h.log, h.opts.ID, symbol)
			} else {
				rate.ReportRateLimitExceeded(h.log, h.opts.ID, symbol)
			}
			h.cbMu.RLock()
			cbs := append([]func(models.ErrorContext){}, h.onIPBlock...)
			h.cbMu.RUnlock()
			for _, cb := range cbs {
				safeCall(h.entry, func() { cb(ec) })
			}
		}
	}

	if h.reporter != nil {
		h.reporter.HandleError(ec)
	} else {
		h.entry.WithError(err).WithFields(logger.Fields{"category": string(ec.Category)}).Warn("exchange error")
	}

	h.cbMu.RLock()
	cbs := append([]func(models.ErrorContext){}, h.onError...)
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		safeCall(h.entry, func() { cb(ec) })
	}
}

func (h *Harness) OnOrderBookUpdate(cb func(models.OrderBookData)) {
	h.cbMu.Lock()
	h.onBook = append(h.onBook, cb)
	h.cbMu.Unlock()
}

func (h *Harness) OnTradeUpdate(cb func(models.Trade)) {
	h.cbMu.Lock()
	h.onTrade = append(h.onTrade, cb)
	h.cbMu.Unlock()
}

func (h *Harness) OnTickerUpdate(cb func(models.Ticker)) {
	h.cbMu.Lock()
	h.onTicker = append(h.onTicker, cb)
	h.cbMu.Unlock()
}

func (h *Harness) OnError(cb func(models.ErrorContext)) {
	h.cbMu.Lock()
	h.onError = append(h.onError, cb)
	h.cbMu.Unlock()
}

func (h *Harness) OnIPBlock(cb func(models.ErrorContext)) {
	h.cbMu.Lock()
	h.onIPBlock = append(h.onIPBlock, cb)
	h.cbMu.Unlock()
}

func (h *Harness) OnConnect(cb func()) {
	h.cbMu.Lock()
	h.onConnect = append(h.onConnect, cb)
	h.cbMu.Unlock()
}

func (h *Harness) OnDisconnect(cb func()) {
	h.cbMu.Lock()
	h.onDisconnect = append(h.onDisconnect, cb)
	h.cbMu.Unlock()
}

func (h *Harness) connectCallbacks() []func() {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	return append([]func(){}, h.onConnect...)
}

func (h *Harness) disconnectCallbacks() []func() {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	return append([]func(){}, h.onDisconnect...)
}

func (h *Harness) fire(cbs []func()) {
	for _, cb := range cbs {
		safeCall(h.entry, cb)
	}
}

// EmitOrderBook delivers book to every order book subscriber.
func (h *Harness) EmitOrderBook(book models.OrderBookData) {
	h.cbMu.RLock()
	cbs := append([]func(models.OrderBookData){}, h.onBook...)
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		safeCall(h.entry, func() { cb(book) })
	}
}

// EmitBook delivers the current state of book.
func (h *Harness) EmitBook(book *Book, ts int64) {
	h.EmitOrderBook(book.Data(ts))
}

func (h *Harness) EmitTrade(trade models.Trade) {
	h.cbMu.RLock()
	cbs := append([]func(models.Trade){}, h.onTrade...)
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		safeCall(h.entry, func() { cb(trade) })
	}
}

func (h *Harness) EmitTicker(ticker models.Ticker) {
	h.cbMu.RLock()
	cbs := append([]func(models.Ticker){}, h.onTicker...)
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		safeCall(h.entry, func() { cb(ticker) })
	}
}

func safeCall(entry *logger.Entry, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			entry.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("subscriber panicked")
		}
	}()
	fn()
}
