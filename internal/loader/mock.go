package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"lockfence/internal/drain"
	"lockfence/internal/event"
	"lockfence/internal/probe"
)

// Mock is an in-memory Provider that runs the handler semantics in process.
// Fire and Receive stand in for the kernel invoking the handlers.
type Mock struct {
	mu         sync.Mutex
	rings      []*drain.Ring
	counters   map[event.Syscall]uint32
	attached   map[string]Probe
	failAttach map[string]error
	failInit   error
	opened     bool
	closed     bool
	verdict    probe.Verdict

	clock   atomic.Uint64
	dropped atomic.Uint64
}

var _ Provider = (*Mock)(nil)

// NewMock returns a mock with cpus event channels of ringCapacity records
// each. The packet handler returns verdict.
func NewMock(cpus, ringCapacity int, verdict probe.Verdict) *Mock {
	rings := make([]*drain.Ring, cpus)
	for i := range rings {
		rings[i] = drain.NewRing(i, ringCapacity)
	}
	return &Mock{
		rings:      rings,
		counters:   make(map[event.Syscall]uint32),
		attached:   make(map[string]Probe),
		failAttach: make(map[string]error),
		verdict:    verdict,
	}
}

// FailAttach makes attaching any probe on target fail with err.
func (m *Mock) FailAttach(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAttach[target] = err
}

// FailInitCounters makes InitCounters fail with err.
func (m *Mock) FailInitCounters(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInit = err
}

func (m *Mock) AttachProbe(p Probe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &AttachError{Probe: p, Err: errors.New("provider closed")}
	}
	if _, ok := m.attached[p.key()]; ok {
		return &AttachError{Probe: p, Err: ErrAlreadyAttached}
	}
	if err, ok := m.failAttach[p.Target]; ok {
		return &AttachError{Probe: p, Err: err}
	}
	m.attached[p.key()] = p
	return nil
}

func (m *Mock) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.attached)
	return nil
}

// Attached lists the active probes sorted by target.
func (m *Mock) Attached() []Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Probe, 0, len(m.attached))
	for _, p := range m.attached {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func (m *Mock) InitCounters(ids []event.Syscall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInit != nil {
		return &MapError{Map: probe.MapCounters, Err: m.failInit}
	}
	for _, id := range ids {
		m.counters[id] = 0
	}
	return nil
}

func (m *Mock) Counters() (map[event.Syscall]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[event.Syscall]uint32, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) DroppedPackets() (uint64, error) {
	return m.dropped.Load(), nil
}

func (m *Mock) Channels(ctx context.Context) ([]drain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil, errors.New("event channels already opened")
	}
	m.opened = true

	context.AfterFunc(ctx, func() {
		for _, r := range m.rings {
			r.Close()
		}
	})

	chans := make([]drain.Channel, len(m.rings))
	for i, r := range m.rings {
		chans[i] = r
	}
	return chans, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	clear(m.attached)
	for _, r := range m.rings {
		r.Close()
	}
	return nil
}

// Fire runs the syscall handler for s on cpu: one record is emitted on that
// CPU's channel, then the counter entry for s is incremented if it exists.
// It reports false when no probe covers s. The call itself is never
// denied.
func (m *Mock) Fire(cpu int, s event.Syscall, pid, uid uint32) (bool, error) {
	if cpu < 0 || cpu >= len(m.rings) {
		return false, fmt.Errorf("cpu %d out of range [0,%d)", cpu, len(m.rings))
	}

	m.mu.Lock()
	_, ok := m.attached[Probe{Kind: KindSyscall, Target: s.KernelSymbol()}.key()]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	rec := event.Record{
		Pid:       pid,
		Uid:       uid,
		Syscall:   uint32(s),
		Timestamp: m.clock.Add(1000),
	}
	raw, err := rec.MarshalBinary()
	if err != nil {
		return false, err
	}
	m.rings[cpu].Push(raw)

	m.mu.Lock()
	if _, ok := m.counters[s]; ok {
		m.counters[s]++
	}
	m.mu.Unlock()
	return true, nil
}

// Receive runs the packet handler for a packet arriving on iface and returns
// its verdict. Interfaces without a packet probe pass everything.
func (m *Mock) Receive(iface string) probe.Verdict {
	m.mu.Lock()
	_, ok := m.attached[Probe{Kind: KindPacket, Target: iface}.key()]
	m.mu.Unlock()
	if !ok {
		return probe.VerdictPass
	}
	if m.verdict == probe.VerdictDrop {
		m.dropped.Add(1)
	}
	return m.verdict
}
