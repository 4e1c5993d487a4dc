// Package errorhandler classifies exchange failures and schedules reconnects
// with a per-exchange exponential backoff.
package errorhandler

import (
	"sync"
	"time"

	"bookflow/internal/metrics"
	"bookflow/internal/metrics/rate"
	"bookflow/logger"
	"bookflow/models"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Handler is shared by every connection of the process. It is constructed once
// and passed to the components that report errors.
type Handler struct {
	initial time.Duration
	max     time.Duration
	log     *logger.Log

	mu          sync.Mutex
	backoff     map[string]time.Duration
	timers      map[string]*time.Timer
	onError     []func(models.ErrorContext)
	onReconnect []func(exchangeID string)
	stopped     bool
}

// New returns a Handler. Non-positive durations fall back to the defaults.
func New(initial, max time.Duration, log *logger.Log) *Handler {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = DefaultMaxBackoff
		if max < initial {
			max = initial
		}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Handler{
		initial: initial,
		max:     max,
		log:     log,
		backoff: make(map[string]time.Duration),
		timers:  make(map[string]*time.Timer),
	}
}

// OnError registers cb for every handled error.
func (h *Handler) OnError(cb func(models.ErrorContext)) {
	h.mu.Lock()
	h.onError = append(h.onError, cb)
	h.mu.Unlock()
}

// OnReconnect registers cb, called with the exchange id when a scheduled
// reconnect fires.
func (h *Handler) OnReconnect(cb func(exchangeID string)) {
	h.mu.Lock()
	h.onReconnect = append(h.onReconnect, cb)
	h.mu.Unlock()
}

// ShouldAttemptReconnect reports whether errors of category warrant a new
// connection. Data and parsing problems are dropped messages, not broken sockets.
func ShouldAttemptReconnect(category models.ErrorCategory) bool {
	switch category {
	case models.CategoryNetwork, models.CategoryAPI, models.CategoryRateLimit:
		return true
	default:
		return false
	}
}

// Classify scans error text for rate limit and ip block wording.
func Classify(exchangeID, msg string) (rateLimit, ipBlock bool) {
	return rate.Detect(exchangeID, msg)
}

// HandleError logs ec, notifies subscribers and, for reconnectable categories,
// schedules the reconnect callbacks after the exchange's current backoff, which
// is then doubled up to the cap. It returns the scheduled delay, or 0.
func (h *Handler) HandleError(ec models.ErrorContext) time.Duration {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now()
	}
	if ec.Category == "" {
		ec.Category = models.CategoryUnknown
	}

	metrics.IncrementError(ec.ExchangeID, string(ec.Category))
	entry := h.log.WithComponent("error_handler").WithExchange(ec.ExchangeID).WithFields(logger.Fields{
		"category": string(ec.Category),
		"symbol":   ec.Symbol,
	})
	if ec.Err != nil {
		entry = entry.WithError(ec.Err)
	}
	switch ec.Category {
	case models.CategoryData, models.CategoryParsing:
		entry.Warn("exchange error")
	default:
		entry.Error("exchange error")
	}

	h.mu.Lock()
	callbacks := append([]func(models.ErrorContext){}, h.onError...)
	h.mu.Unlock()
	for _, cb := range callbacks {
		cb(ec)
	}

	if !ShouldAttemptReconnect(ec.Category) {
		return 0
	}
	return h.schedule(ec.ExchangeID)
}

func (h *Handler) schedule(exchangeID string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return 0
	}

	delay, ok := h.backoff[exchangeID]
	if !ok {
		delay = h.initial
	}
	next := delay * 2
	if next > h.max {
		next = h.max
	}
	h.backoff[exchangeID] = next

	if t, ok := h.timers[exchangeID]; ok {
		t.Stop()
	}
	h.timers[exchangeID] = time.AfterFunc(delay, func() {
		h.fireReconnect(exchangeID)
	})
	return delay
}

func (h *Handler) fireReconnect(exchangeID string) {
	h.mu.Lock()
	delete(h.timers, exchangeID)
	if h.stopped {
		h.mu.Unlock()
		return
	}
	callbacks := append([]func(string){}, h.onReconnect...)
	h.mu.Unlock()

	metrics.IncrementReconnect(exchangeID)
	h.log.WithComponent("error_handler").WithExchange(exchangeID).Info("requesting reconnect")
	for _, cb := range callbacks {
		cb(exchangeID)
	}
}

// Backoff returns the delay the next reconnectable error on exchangeID would use.
func (h *Handler) Backoff(exchangeID string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.backoff[exchangeID]; ok {
		return d
	}
	return h.initial
}

// ResetBackoff restores the initial delay for exchangeID.
func (h *Handler) ResetBackoff(exchangeID string) {
	h.mu.Lock()
	h.backoff[exchangeID] = h.initial
	h.mu.Unlock()
}

// Cancel drops any pending reconnect for exchangeID.
func (h *Handler) Cancel(exchangeID string) {
	h.mu.Lock()
	if t, ok := h.timers[exchangeID]; ok {
		t.Stop()
		delete(h.timers, exchangeID)
	}
	h.mu.Unlock()
}

// Pending reports whether a reconnect is scheduled for exchangeID.
func (h *Handler) Pending(exchangeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.timers[exchangeID]
	return ok
}

// Stop cancels all pending reconnects. Later errors are still reported but
// schedule nothing.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
}
