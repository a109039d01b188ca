package drain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type sample struct {
	raw []byte // nil for a lost notification
}

// Ring is a bounded single-producer/single-consumer queue of raw records for
// one CPU. When full, the newest record is dropped and counted as lost.
type Ring struct {
	cpu     int
	records chan sample
	done    chan struct{}
	once    sync.Once

	lost    atomic.Uint64 // not yet reported to the reader
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewRing creates a ring for cpu holding up to capacity records.
func NewRing(cpu, capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		cpu:     cpu,
		records: make(chan sample, capacity),
		done:    make(chan struct{}),
	}
}

func (r *Ring) CPU() int {
	return r.cpu
}

// Push copies raw into the ring. It never blocks and returns false when the
// record was dropped.
func (r *Ring) Push(raw []byte) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.records <- sample{raw: append([]byte(nil), raw...)}:
		r.pushed.Add(1)
		return true
	default:
		r.dropped.Add(1)
		r.lost.Add(1)
		return false
	}
}

// AddLost records n samples lost before they reached the ring and wakes the
// reader so the loss is reported promptly.
func (r *Ring) AddLost(n uint64) {
	if n == 0 {
		return
	}
	r.lost.Add(n)
	select {
	case r.records <- sample{}:
	default:
	}
}

// ReadBatch implements Channel.
func (r *Ring) ReadBatch(ctx context.Context, bufs [][]byte) (Batch, error) {
	if len(bufs) == 0 {
		return Batch{}, errors.New("no buffers")
	}

	for {
		var s sample
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case s = <-r.records:
		case <-r.done:
			// Hand out what was queued before the close.
			select {
			case s = <-r.records:
			default:
				return Batch{}, ErrClosed
			}
		}

		n := 0
		if s.raw != nil {
			bufs[n] = append(bufs[n][:0], s.raw...)
			n++
		}
	fill:
		for n < len(bufs) {
			select {
			case s = <-r.records:
				if s.raw == nil {
					continue
				}
				bufs[n] = append(bufs[n][:0], s.raw...)
				n++
			default:
				break fill
			}
		}

		batch := Batch{Read: n, Lost: r.lost.Swap(0)}
		if batch.Read > 0 || batch.Lost > 0 {
			return batch, nil
		}
	}
}

// Close stops accepting records. Queued records stay readable.
func (r *Ring) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// Len is the number of queued entries.
func (r *Ring) Len() int {
	return len(r.records)
}

// Dropped is the number of records rejected because the ring was full.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Pushed is the number of records accepted.
func (r *Ring) Pushed() uint64 {
	return r.pushed.Load()
}
