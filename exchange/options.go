package exchange

import (
	"net/http"
	"time"
)

const (
	defaultPingInterval     = 20 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultDepth            = 100
	defaultBaseDelay        = time.Second
	defaultMaxDelay         = 30 * time.Second
	defaultMaxAttempts      = 10
	defaultResetDelay       = time.Minute
	defaultHandshakeTimeout = 10 * time.Second
)

// Options configures one exchange connection. Zero fields take defaults.
type Options struct {
	ID      string
	URL     string
	RESTURL string
	Header  http.Header

	// PingInterval is how often a keepalive is written. The connection is
	// considered dead when nothing arrives for PingInterval+PongTimeout.
	PingInterval time.Duration
	PongTimeout  time.Duration

	Depth             int
	Trades            bool
	RESTRatePerSecond float64

	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	ResetDelay           time.Duration
	HandshakeTimeout     time.Duration
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.Depth <= 0 || o.Depth > defaultDepth {
		o.Depth = defaultDepth
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = defaultMaxDelay
		if o.MaxDelay < o.BaseDelay {
			o.MaxDelay = o.BaseDelay
		}
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxAttempts
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = defaultResetDelay
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	return o
}
