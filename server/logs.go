package server

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultLogHistory = 200

type logRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Exchange  string         `json:"exchange,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// logFilter selects records for /api/logs. Zero values match everything.
type logFilter struct {
	exchange string
	level    string
	limit    int
}

// logStore is a logrus hook holding the last entries in a ring.
type logStore struct {
	mu      sync.RWMutex
	ring    []logRecord
	next    int
	full    bool
	enabled atomic.Bool
}

func newLogStore(size int) *logStore {
	if size <= 0 {
		size = defaultLogHistory
	}
	ls := &logStore{ring: make([]logRecord, size)}
	ls.enabled.Store(true)
	return ls
}

// Levels leaves out debug and trace so per-update merge logs cannot evict
// connection events.
func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels[:logrus.InfoLevel+1]
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "exchange":
			record.Exchange, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]any, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.mu.Lock()
	s.ring[s.next] = record
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// query returns matching records oldest first, keeping the newest limit.
// level keeps records at that severity or worse.
func (s *logStore) query(f logFilter) []logRecord {
	s.mu.RLock()
	ordered := make([]logRecord, 0, len(s.ring))
	if s.full {
		ordered = append(ordered, s.ring[s.next:]...)
	}
	ordered = append(ordered, s.ring[:s.next]...)
	s.mu.RUnlock()

	maxLevel := logrus.TraceLevel
	if f.level != "" {
		if lvl, err := logrus.ParseLevel(f.level); err == nil {
			maxLevel = lvl
		}
	}
	out := ordered[:0]
	for _, r := range ordered {
		if f.exchange != "" && !strings.EqualFold(r.Exchange, f.exchange) {
			continue
		}
		if lvl, err := logrus.ParseLevel(r.Level); err == nil && lvl > maxLevel {
			continue
		}
		out = append(out, r)
	}
	if f.limit > 0 && len(out) > f.limit {
		out = out[len(out)-f.limit:]
	}
	return out
}

func (s *logStore) snapshot() []logRecord {
	return s.query(logFilter{})
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
