package drain

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lockfence/internal/event"
)

// Options configures a Drainer.
type Options struct {
	BatchSize  int
	MaxRetries int           // consecutive failures before giving up
	Backoff    time.Duration // multiplied by the failure count
}

func (o *Options) setDefaults() {
	if o.BatchSize < 1 {
		o.BatchSize = 32
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
}

// Drainer owns one CPU's channel endpoint.
type Drainer struct {
	ch      Channel
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	consumed     atomic.Bool
	lost         atomic.Uint64
	decodeErrors atomic.Uint64
}

// New creates a drainer for ch.
func New(ch Channel, opts Options, logger *zap.Logger) *Drainer {
	opts.setDefaults()
	return &Drainer{
		ch:      ch,
		opts:    opts,
		logger:  logger.With(zap.String("component", "drain"), zap.Int("cpu", ch.CPU())),
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// NewAll creates one drainer per channel.
func NewAll(chans []Channel, opts Options, logger *zap.Logger) []*Drainer {
	drainers := make([]*Drainer, len(chans))
	for i, ch := range chans {
		drainers[i] = New(ch, opts, logger)
	}
	return drainers
}

func (d *Drainer) CPU() int {
	return d.ch.CPU()
}

// Lost is the number of records the channel reported as lost.
func (d *Drainer) Lost() uint64 {
	return d.lost.Load()
}

// DecodeErrors is the number of buffers that failed to decode.
func (d *Drainer) DecodeErrors() uint64 {
	return d.decodeErrors.Load()
}

// Events returns the decoded records of this CPU in production order. The
// sequence ends when the channel closes or ctx is done, and yields a
// *DrainError before ending when failures exceed the retry budget. It can be
// iterated once; the channel is closed when iteration stops.
func (d *Drainer) Events(ctx context.Context) iter.Seq2[event.Record, error] {
	return func(yield func(event.Record, error) bool) {
		if !d.consumed.CompareAndSwap(false, true) {
			yield(event.Record{}, &DrainError{CPU: d.CPU(), Op: "iterate", Err: ErrConsumed})
			return
		}
		defer d.ch.Close()

		bufs := make([][]byte, d.opts.BatchSize)
		for i := range bufs {
			bufs[i] = make([]byte, 0, event.Size+4)
		}

		var readFailures, decodeFailures int
		for {
			batch, err := d.ch.ReadBatch(ctx, bufs)
			if err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				readFailures++
				if readFailures > d.opts.MaxRetries {
					yield(event.Record{}, &DrainError{CPU: d.CPU(), Op: "read", Err: err})
					return
				}
				if d.limiter.Allow() {
					d.logger.Warn("Channel read failed, retrying",
						zap.Error(err),
						zap.Int("attempt", readFailures))
				}
				if !sleep(ctx, time.Duration(readFailures)*d.opts.Backoff) {
					return
				}
				continue
			}
			readFailures = 0

			if batch.Lost > 0 {
				d.lost.Add(batch.Lost)
				if d.limiter.Allow() {
					d.logger.Warn("Records lost", zap.Uint64("lost", batch.Lost))
				}
			}

			for _, raw := range bufs[:batch.Read] {
				rec, err := event.Decode(raw)
				if err != nil {
					d.decodeErrors.Add(1)
					decodeFailures++
					if decodeFailures > d.opts.MaxRetries {
						yield(event.Record{}, &DrainError{CPU: d.CPU(), Op: "decode", Err: err})
						return
					}
					if d.limiter.Allow() {
						d.logger.Warn("Skipping undecodable record", zap.Error(err))
					}
					continue
				}
				decodeFailures = 0
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
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
