package server

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"bookflow/logger"
)

// resourceSample is one reading of host load next to the aggregator's own
// footprint.
type resourceSample struct {
	Timestamp     time.Time `json:"timestamp"`
	HostCPU       float64   `json:"host_cpu_percent"`
	HostMemoryPct float64   `json:"host_memory_percent"`
	DiskPct       float64   `json:"disk_percent"`
	ProcessRSS    uint64    `json:"process_rss"`
	ProcessCPU    float64   `json:"process_cpu_percent"`
	Goroutines    int       `json:"goroutines"`
	Subscribers   int       `json:"bus_subscribers"`
}

var (
	hostCPUFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	hostMemoryFn = mem.VirtualMemoryWithContext
	diskUsageFn  = disk.UsageWithContext
	selfStatsFn  = func(ctx context.Context) (rss uint64, cpuPct float64, err error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		info, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		pct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			return info.RSS, 0, nil
		}
		return info.RSS, pct, nil
	}
)

// resourceSampler records a sample every interval into a bounded history.
// Failed reads leave their fields zero instead of dropping the sample.
type resourceSampler struct {
	interval time.Duration
	diskPath string
	clients  func() int

	mu      sync.RWMutex
	history []resourceSample
	limit   int

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

func newResourceSampler(limit int, interval time.Duration, clients func() int, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = defaultLogHistory
	}
	if interval <= 0 {
		interval = time.Second
	}
	if clients == nil {
		clients = func() int { return 0 }
	}
	return &resourceSampler{
		interval: interval,
		diskPath: "/",
		clients:  clients,
		limit:    limit,
		log:      log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	child, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(child)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSample {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]resourceSample(nil), s.history...)
}

func (s *resourceSampler) latest() (resourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return resourceSample{}, false
	}
	return s.history[len(s.history)-1], true
}

func (s *resourceSampler) add(sample resourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == s.limit {
		copy(s.history, s.history[1:])
		s.history = s.history[:s.limit-1]
	}
	s.history = append(s.history, sample)
}

// run samples back to back; the host cpu read blocks for one interval.
func (s *resourceSampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		sample, ok := s.sample(ctx)
		if ctx.Err() != nil {
			return
		}
		if !ok && !sleep(ctx, s.interval) {
			return
		}
		s.add(sample)
	}
}

// sample reports false when the host cpu read failed without waiting.
func (s *resourceSampler) sample(ctx context.Context) (resourceSample, bool) {
	sample := resourceSample{
		Goroutines:  runtime.NumGoroutine(),
		Subscribers: s.clients(),
	}
	waited := true
	if pcts, err := hostCPUFn(ctx, s.interval); err != nil {
		waited = false
		s.log.WithError(err).Debug("failed to sample host cpu")
	} else if len(pcts) > 0 {
		sample.HostCPU = pcts[0]
	}
	if vm, err := hostMemoryFn(ctx); err != nil {
		s.log.WithError(err).Debug("failed to sample host memory")
	} else {
		sample.HostMemoryPct = vm.UsedPercent
	}
	if du, err := diskUsageFn(ctx, s.diskPath); err != nil {
		s.log.WithError(err).Debug("failed to sample disk usage")
	} else {
		sample.DiskPct = du.UsedPercent
	}
	if rss, pct, err := selfStatsFn(ctx); err != nil {
		s.log.WithError(err).Debug("failed to sample process stats")
	} else {
		sample.ProcessRSS, sample.ProcessCPU = rss, pct
	}
	sample.Timestamp = time.Now()
	return sample, waited
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
