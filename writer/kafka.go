// Package writer ships merged order books out of the process: every
// publication to Kafka and periodic Parquet snapshots to S3.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"bookflow/aggregator"
	"bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const kafkaSink = "kafka"

// BookMessage is the Kafka value for one merged book.
type BookMessage struct {
	ID        string               `json:"id"`
	Symbol    string               `json:"symbol"`
	Exchanges []string             `json:"exchanges"`
	Timestamp int64                `json:"timestamp"`
	Book      models.OrderBookData `json:"book"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes every merged orderBook event on the bus.
type KafkaWriter struct {
	bus       *aggregator.Bus
	exchanges func() []string
	writer    messageWriter
	wg        *sync.WaitGroup
	mu        sync.Mutex
	running   bool
	subID     int
	log       *logger.Log
}

// NewKafkaWriter builds a writer for cfg. exchanges reports the enabled
// exchange set stamped on each message and may be nil.
func NewKafkaWriter(cfg config.KafkaConfig, bus *aggregator.Bus, exchanges func() []string) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	kw := newKafkaWriter(bus, exchanges, &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	})
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(bus *aggregator.Bus, exchanges func() []string, w messageWriter) *KafkaWriter {
	if exchanges == nil {
		exchanges = func() []string { return nil }
	}
	return &KafkaWriter{
		bus:       bus,
		exchanges: exchanges,
		writer:    w,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	id, events := kw.bus.Subscribe()
	kw.subID = id
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Info("starting kafka writer")

	kw.wg.Add(1)
	go kw.run(ctx, events)
	return nil
}

func (kw *KafkaWriter) run(ctx context.Context, events <-chan aggregator.Event) {
	defer kw.wg.Done()
	log := kw.log.WithComponent("kafka_writer")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != aggregator.EventOrderBook {
				continue
			}
			book, ok := ev.Data.(models.OrderBookData)
			if !ok {
				continue
			}
			err := kw.write(ctx, ev.Symbol, book)
			metrics.IncrementSinkWrite(kafkaSink, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithSymbol(ev.Symbol).WithError(err).Warn("failed to write message")
			}
		}
	}
}

func (kw *KafkaWriter) write(ctx context.Context, symbol string, book models.OrderBookData) error {
	id := uuid.NewString()
	data, err := json.Marshal(BookMessage{
		ID:        id,
		Symbol:    symbol,
		Exchanges: kw.exchanges(),
		Timestamp: book.Timestamp,
		Book:      book,
	})
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(symbol),
		Value:   data,
		Headers: []kafka.Header{{Key: "message_id", Value: []byte(id)}},
	}
	if err := kw.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	logger.IncrementSinkWrite(kafkaSink, int64(len(data)))
	return nil
}

// Stop ends the bus subscription, waits for the loop and closes the
// producer.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	id := kw.subID
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Info("stopping kafka writer")
	kw.bus.Unsubscribe(id)
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").Info("kafka writer stopped")
}
