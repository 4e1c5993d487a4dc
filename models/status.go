package models

import "time"

// Status is the lifecycle state of an exchange connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ErrorCategory groups runtime failures for reconnect decisions.
type ErrorCategory string

const (
	CategoryNetwork      ErrorCategory = "network"
	CategoryConnection   ErrorCategory = "connection"
	CategoryAPI          ErrorCategory = "api"
	CategoryData         ErrorCategory = "data"
	CategoryParsing      ErrorCategory = "parsing"
	CategorySubscription ErrorCategory = "subscription"
	CategoryRateLimit    ErrorCategory = "rateLimit"
	CategoryUnknown      ErrorCategory = "unknown"
)

// ErrorContext describes one failure on one exchange.
type ErrorContext struct {
	ExchangeID string        `json:"exchangeId"`
	Symbol     string        `json:"symbol,omitempty"`
	Err        error         `json:"-"`
	Category   ErrorCategory `json:"category"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Message returns the error text or an empty string.
func (e ErrorContext) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e ErrorContext) Error() string {
	return e.ExchangeID + " " + string(e.Category) + ": " + e.Message()
}

func (e ErrorContext) Unwrap() error { return e.Err }
