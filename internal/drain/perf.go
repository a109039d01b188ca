package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PerfOptions configures the perf event reader.
type PerfOptions struct {
	PerCPUBuffer int // bytes per CPU, rounded up to pages by the reader
	RingCapacity int // records queued per CPU in userspace
	MaxErrors    int // consecutive read errors tolerated
}

// PerfDemux reads the kernel's per-CPU perf rings and routes every sample to
// the userspace Ring of the CPU that produced it. Each CPU's samples reach
// its ring in production order.
type PerfDemux struct {
	reader    *perf.Reader
	rings     []*Ring
	maxErrors int
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// NewPerfDemux opens a perf reader over events, with one ring per possible
// CPU.
func NewPerfDemux(events *ebpf.Map, opts PerfOptions, logger *zap.Logger) (*PerfDemux, error) {
	if events.Type() != ebpf.PerfEventArray {
		return nil, fmt.Errorf("events map is %s, want %s", events.Type(), ebpf.PerfEventArray)
	}

	reader, err := perf.NewReaderWithOptions(events, opts.PerCPUBuffer, perf.ReaderOptions{})
	if err != nil {
		return nil, fmt.Errorf("open perf reader: %w", err)
	}

	cpus := int(events.MaxEntries())
	rings := make([]*Ring, cpus)
	for cpu := range rings {
		rings[cpu] = NewRing(cpu, opts.RingCapacity)
	}

	return &PerfDemux{
		reader:    reader,
		rings:     rings,
		maxErrors: opts.MaxErrors,
		logger:    logger.With(zap.String("component", "perf-demux")),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Channels returns one endpoint per CPU, indexed by CPU id.
func (d *PerfDemux) Channels() []Channel {
	chans := make([]Channel, len(d.rings))
	for i, r := range d.rings {
		chans[i] = r
	}
	return chans
}

// Run routes samples until the reader is closed or ctx is done. Every ring
// is closed on return.
func (d *PerfDemux) Run(ctx context.Context) error {
	defer func() {
		for _, r := range d.rings {
			r.Close()
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		d.reader.Close()
	})
	defer stop()

	var (
		rec         perf.Record
		consecutive int
	)
	for {
		if err := d.reader.ReadInto(&rec); err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}

			consecutive++
			if consecutive > d.maxErrors {
				return fmt.Errorf("read perf ring: %w", err)
			}
			if d.limiter.Allow() {
				d.logger.Warn("Perf read failed",
					zap.Error(err),
					zap.Int("consecutive_errors", consecutive))
			}
			continue
		}
		consecutive = 0

		if rec.CPU < 0 || rec.CPU >= len(d.rings) {
			if d.limiter.Allow() {
				d.logger.Warn("Sample from unknown CPU", zap.Int("cpu", rec.CPU))
			}
			continue
		}

		ring := d.rings[rec.CPU]
		if rec.LostSamples > 0 {
			ring.AddLost(rec.LostSamples)
			continue
		}
		if !ring.Push(rec.RawSample) && d.limiter.Allow() {
			d.logger.Debug("CPU ring full, dropping newest record", zap.Int("cpu", rec.CPU))
		}
	}
}

// Close unblocks Run.
func (d *PerfDemux) Close() error {
	if err := d.reader.Close(); err != nil && !errors.Is(err, perf.ErrClosed) {
		return fmt.Errorf("close perf reader: %w", err)
	}
	return nil
}
