// Package probe builds the kernel-resident program: the kprobe handlers for
// monitored syscalls, the XDP packet handler, and the maps they share with
// userspace.
package probe

import (
	"fmt"

	"github.com/cilium/ebpf"

	"lockfence/internal/event"
)

// Program names exported by every image, built-in or external.
const (
	ProgramConnect = "lock_connect"
	ProgramClone   = "lock_clone"
	ProgramXDP     = "lock_xdp"
)

// Map names exported by every image.
const (
	MapEvents   = "events"
	MapCounters = "blocked_calls"
	MapDropped  = "dropped_pkts"
)

// DefaultCounterCapacity bounds the counter table.
const DefaultCounterCapacity = 1024

// Verdict is the XDP action returned by the packet handler.
type Verdict int32

const (
	VerdictDrop Verdict = 1 // XDP_DROP
	VerdictPass Verdict = 2 // XDP_PASS
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictPass:
		return "pass"
	default:
		return fmt.Sprintf("verdict(%d)", int32(v))
	}
}

// Options tunes the built-in image.
type Options struct {
	Verdict         Verdict
	CounterCapacity uint32
}

// ProgramFor returns the handler name for a monitored syscall.
func ProgramFor(s event.Syscall) (string, error) {
	switch s {
	case event.Connect:
		return ProgramConnect, nil
	case event.Clone:
		return ProgramClone, nil
	default:
		return "", fmt.Errorf("no handler for syscall %s", s)
	}
}

// NewSpec assembles the built-in image.
func NewSpec(opts Options) *ebpf.CollectionSpec {
	if opts.Verdict == 0 {
		opts.Verdict = VerdictDrop
	}
	if opts.CounterCapacity == 0 {
		opts.CounterCapacity = DefaultCounterCapacity
	}

	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			MapEvents: {
				Name:      MapEvents,
				Type:      ebpf.PerfEventArray,
				KeySize:   4,
				ValueSize: 4,
				// MaxEntries 0 is resolved to the number of possible CPUs.
			},
			MapCounters: {
				Name:       MapCounters,
				Type:       ebpf.Hash,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: opts.CounterCapacity,
			},
			MapDropped: {
				Name:       MapDropped,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: 1,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramConnect: syscallHandler(ProgramConnect, event.Connect),
			ProgramClone:   syscallHandler(ProgramClone, event.Clone),
			ProgramXDP:     packetHandler(ProgramXDP, opts.Verdict),
		},
	}
}
