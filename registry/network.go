package registry

import (
	"context"
	"net"
	"sync"
	"time"

	"bookflow/logger"
)

const (
	defaultCheckInterval = 10 * time.Second
	defaultCheckTimeout  = 3 * time.Second
)

// NetworkMonitor dials a TCP address and reports online/offline transitions.
type NetworkMonitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	log      *logger.Entry

	mu       sync.Mutex
	online   bool
	onChange []func(online bool)
}

func NewNetworkMonitor(addr string, interval, timeout time.Duration, log *logger.Log) *NetworkMonitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	if log == nil {
		log = logger.GetLogger()
	}
	d := &net.Dialer{}
	return &NetworkMonitor{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
		log:      log.WithComponent("network_monitor"),
		online:   true,
	}
}

func (n *NetworkMonitor) OnChange(cb func(online bool)) {
	n.mu.Lock()
	n.onChange = append(n.onChange, cb)
	n.mu.Unlock()
}

func (n *NetworkMonitor) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// Check dials once and fires the callbacks on a transition.
func (n *NetworkMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	up := true
	conn, err := n.dial(ctx, "tcp", n.addr)
	if err != nil {
		up = false
	} else {
		_ = conn.Close()
	}

	n.mu.Lock()
	changed := up != n.online
	n.online = up
	cbs := append([]func(bool){}, n.onChange...)
	n.mu.Unlock()

	if changed {
		entry := n.log.WithFields(logger.Fields{"address": n.addr})
		if up {
			entry.Info("network online")
		} else {
			entry.WithError(err).Warn("network offline")
		}
		for _, cb := range cbs {
			cb(up)
		}
	}
	return up
}

// Run checks every interval until ctx is done.
func (n *NetworkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Check(ctx)
		}
	}
}
