// Package aggregate merges the per-CPU event streams, reports every event
// and keeps process-wide counts.
package aggregate

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"lockfence/internal/drain"
	"lockfence/internal/event"
	"lockfence/internal/metrics"
)

// CounterSource reads the in-kernel tables.
type CounterSource interface {
	Counters() (map[event.Syscall]uint32, error)
	DroppedPackets() (uint64, error)
}

// Config configures an Aggregator.
type Config struct {
	// Monitored lists the syscalls probes were attached for. Events for any
	// other id are counted as unexpected.
	Monitored []event.Syscall

	// SummaryInterval between counter table reads. Zero disables periodic
	// summaries; one summary is still taken when Run returns.
	SummaryInterval time.Duration

	// ReorderWindow delays events to merge CPUs in timestamp order. Zero
	// reports events in arrival order.
	ReorderWindow time.Duration

	// Clock returns kernel monotonic time in nanoseconds.
	Clock func() uint64
}

// Summary is a snapshot of the aggregated counts.
type Summary struct {
	Events     uint64
	Unexpected uint64
	BySyscall  map[event.Syscall]uint64
	Counters   map[event.Syscall]uint32
	Dropped    uint64
}

// Aggregator consumes decoded events from every CPU.
type Aggregator struct {
	cfg       Config
	out       io.Writer
	src       CounterSource
	metrics   *metrics.Metrics
	logger    *zap.Logger
	limiter   *rate.Limiter
	monitored map[event.Syscall]bool

	mu         sync.Mutex
	events     uint64
	unexpected uint64
	bySyscall  map[event.Syscall]uint64
	byPID      map[uint32]uint64
	counters   map[event.Syscall]uint32
	dropped    uint64
	lost       map[int]uint64
}

// New returns an aggregator writing one line per event to out. src may be
// nil when no counter table is available.
func New(out io.Writer, src CounterSource, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Aggregator {
	if m == nil {
		m = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = monotonicNow
	}
	monitored := make(map[event.Syscall]bool, len(cfg.Monitored))
	for _, s := range cfg.Monitored {
		monitored[s] = true
	}
	return &Aggregator{
		cfg:       cfg,
		out:       out,
		src:       src,
		metrics:   m,
		logger:    logger.With(zap.String("component", "aggregate")),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		monitored: monitored,
		bySyscall: make(map[event.Syscall]uint64),
		byPID:     make(map[uint32]uint64),
		counters:  make(map[event.Syscall]uint32),
		lost:      make(map[int]uint64),
	}
}

// Run drains every CPU concurrently and reports events until all drains
// have ended. A drain that fails stops only its own CPU.
func (a *Aggregator) Run(ctx context.Context, drainers []*drain.Drainer) error {
	merged := make(chan item, 256)

	var wg sync.WaitGroup
	for _, d := range drainers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.forward(ctx, d, merged)
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	var summaries, releases <-chan time.Time
	if a.cfg.SummaryInterval > 0 {
		t := time.NewTicker(a.cfg.SummaryInterval)
		defer t.Stop()
		summaries = t.C
	}

	var buf *reorder
	if a.cfg.ReorderWindow > 0 {
		buf = newReorder(uint64(a.cfg.ReorderWindow.Nanoseconds()))
		t := time.NewTicker(max(a.cfg.ReorderWindow/2, time.Millisecond))
		defer t.Stop()
		releases = t.C
	}

	for {
		select {
		case it, ok := <-merged:
			if !ok {
				if buf != nil {
					buf.flush(a.handle)
				}
				a.summarize(drainers)
				return nil
			}
			if buf == nil {
				a.handle(it)
				continue
			}
			buf.push(it)
			buf.release(0, a.handle)
		case <-releases:
			buf.release(a.cfg.Clock(), a.handle)
		case <-summaries:
			a.summarize(drainers)
		}
	}
}

func (a *Aggregator) forward(ctx context.Context, d *drain.Drainer, out chan<- item) {
	for rec, err := range d.Events(ctx) {
		if err != nil {
			a.metrics.DrainErrors.WithLabelValues(metrics.CPU(d.CPU())).Inc()
			a.logger.Error("CPU drain stopped", zap.Int("cpu", d.CPU()), zap.Error(err))
			continue
		}
		select {
		case out <- item{cpu: d.CPU(), rec: rec}:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) handle(it item) {
	s := event.Syscall(it.rec.Syscall)

	a.mu.Lock()
	a.events++
	a.bySyscall[s]++
	a.byPID[it.rec.Pid]++
	expected := a.monitored[s]
	if !expected {
		a.unexpected++
	}
	a.mu.Unlock()

	a.metrics.Events.Inc()
	if !expected {
		a.metrics.Unexpected.Inc()
		if a.limiter.Allow() {
			a.logger.Warn("Event for unmonitored syscall", zap.Stringer("syscall", s), zap.Int("cpu", it.cpu))
		}
	}

	fmt.Fprintf(a.out, "cpu=%d %s\n", it.cpu, it.rec)
}

// summarize reads the counter table and advances the counter metrics by the
// change since the previous read.
func (a *Aggregator) summarize(drainers []*drain.Drainer) {
	for _, d := range drainers {
		lost := d.Lost()
		a.mu.Lock()
		delta := lost - a.lost[d.CPU()]
		a.lost[d.CPU()] = lost
		a.mu.Unlock()
		if delta > 0 {
			a.metrics.EventsLost.WithLabelValues(metrics.CPU(d.CPU())).Add(float64(delta))
		}
	}

	if a.src == nil {
		return
	}

	counters, err := a.src.Counters()
	if err != nil {
		a.logger.Warn("Counter table read failed", zap.Error(err))
	} else {
		fields := make([]zap.Field, 0, len(counters))
		for _, s := range slices.Sorted(maps.Keys(counters)) {
			v := counters[s]
			a.mu.Lock()
			prev := a.counters[s]
			a.counters[s] = v
			a.mu.Unlock()

			// Counters are 32-bit and may wrap.
			a.metrics.BlockedSyscalls.WithLabelValues(s.Name()).Add(float64(v - prev))
			fields = append(fields, zap.Uint32(s.Name(), v))
		}
		a.logger.Info("Counter summary", fields...)
	}

	dropped, err := a.src.DroppedPackets()
	if err != nil {
		a.logger.Warn("Dropped packet counter read failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.dropped = dropped
	a.mu.Unlock()
	a.metrics.DroppedPackets.Set(float64(dropped))
}

// EventCount returns the number of events reported.
func (a *Aggregator) EventCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// EventCountForSyscall returns the number of events reported for s.
func (a *Aggregator) EventCountForSyscall(s event.Syscall) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bySyscall[s]
}

// EventCountForPID returns the number of events reported for pid.
func (a *Aggregator) EventCountForPID(pid uint32) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byPID[pid]
}

// UnexpectedCount returns the number of events for unmonitored syscalls.
func (a *Aggregator) UnexpectedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unexpected
}

// Summary returns a copy of the current counts.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summary{
		Events:     a.events,
		Unexpected: a.unexpected,
		BySyscall:  maps.Clone(a.bySyscall),
		Counters:   maps.Clone(a.counters),
		Dropped:    a.dropped,
	}
}

func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
