// Package loader brings the kernel-resident program into the kernel, wires
// its handlers to syscall entry points and network interfaces, and exposes
// the shared maps to the rest of the process.
package loader

import (
	"context"
	"errors"
	"fmt"

	"lockfence/internal/drain"
	"lockfence/internal/event"
	"lockfence/internal/probe"
)

// HookKind selects how a probe is attached.
type HookKind int

const (
	KindSyscall HookKind = iota // kprobe on a syscall entry symbol
	KindPacket                  // XDP on a network interface
)

func (k HookKind) String() string {
	switch k {
	case KindSyscall:
		return "kprobe"
	case KindPacket:
		return "xdp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Probe is one handler bound to one target.
type Probe struct {
	Kind    HookKind
	Program string
	Target  string // kernel symbol or interface name
}

func (p Probe) String() string {
	return fmt.Sprintf("%s %s (%s)", p.Kind, p.Target, p.Program)
}

func (p Probe) key() string {
	return p.Kind.String() + "/" + p.Target
}

// Provider defines the operations on a loaded program.
type Provider interface {
	// AttachProbe activates a handler on its target.
	AttachProbe(p Probe) error

	// Detach removes every attached probe.
	Detach() error

	// InitCounters creates zero counter entries for ids.
	InitCounters(ids []event.Syscall) error

	// Counters reads the counter table.
	Counters() (map[event.Syscall]uint32, error)

	// DroppedPackets sums the packet handler's drop counter over all CPUs.
	DroppedPackets() (uint64, error)

	// Channels returns one event channel endpoint per CPU. Records flow
	// until ctx is done or the provider is closed.
	Channels(ctx context.Context) ([]drain.Channel, error)

	// Close detaches every probe and releases all kernel objects.
	Close() error
}

// PlanOptions carries the resolved hook flags.
type PlanOptions struct {
	SyscallBlock bool
	Syscalls     []event.Syscall
	NetworkBlock bool
	Interface    string
}

// Plan lists the probes to attach and the counter entries to create.
type Plan struct {
	Probes   []Probe
	Counters []event.Syscall
}

// NewPlan turns the hook flags into probes. Disabled hooks contribute
// nothing.
func NewPlan(o PlanOptions) (Plan, error) {
	var plan Plan

	if o.SyscallBlock {
		if len(o.Syscalls) == 0 {
			return Plan{}, errors.New("syscall blocking enabled without syscalls")
		}
		for _, s := range o.Syscalls {
			prog, err := probe.ProgramFor(s)
			if err != nil {
				return Plan{}, err
			}
			plan.Probes = append(plan.Probes, Probe{Kind: KindSyscall, Program: prog, Target: s.KernelSymbol()})
			plan.Counters = append(plan.Counters, s)
		}
	}

	if o.NetworkBlock {
		if o.Interface == "" {
			return Plan{}, errors.New("network blocking requires an interface name")
		}
		plan.Probes = append(plan.Probes, Probe{Kind: KindPacket, Program: probe.ProgramXDP, Target: o.Interface})
	}

	return plan, nil
}

// Empty reports whether nothing would be attached.
func (p Plan) Empty() bool {
	return len(p.Probes) == 0
}
