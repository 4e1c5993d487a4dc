// Package exchange holds the connection harness shared by every exchange
// adapter: socket lifecycle, keepalive, reconnect backoff, callback fan-out
// and the local order book used to resolve deltas.
package exchange

import (
	"context"
	"errors"
	"time"

	"bookflow/models"
)

var (
	ErrNotConnected = errors.New("exchange: not connected")
	ErrInvalidLevel = errors.New("exchange: invalid price level")
)

// Connection is the surface the registry and the aggregator use.
type Connection interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect()
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Status() models.Status
	Symbol() string

	OnOrderBookUpdate(cb func(models.OrderBookData))
	OnTradeUpdate(cb func(models.Trade))
	OnTickerUpdate(cb func(models.Ticker))
	OnError(cb func(models.ErrorContext))
	OnIPBlock(cb func(models.ErrorContext))
	OnConnect(cb func())
	OnDisconnect(cb func())
}

// Protocol is implemented by each adapter. SubscribeMessages and
// UnsubscribeMessages return the frames to write for symbol; a frame is sent
// as-is when it is a string or []byte and JSON encoded otherwise.
type Protocol interface {
	SubscribeMessages(symbol string) ([]any, error)
	UnsubscribeMessages(symbol string) ([]any, error)
	HandleMessage(data []byte)
	// Reset drops any local book state. Called before every subscription.
	Reset()
}

// Pinger is implemented by protocols that need an application level ping
// instead of a WebSocket ping control frame.
type Pinger interface {
	PingMessage() any
}

// Decoder is implemented by protocols whose frames are compressed.
type Decoder interface {
	Decode(messageType int, data []byte) ([]byte, error)
}

// ErrorReporter receives every error raised on a connection.
type ErrorReporter interface {
	HandleError(ec models.ErrorContext) time.Duration
}
