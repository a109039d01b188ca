package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/hashicorp/go-multierror"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"lockfence/internal/drain"
	"lockfence/internal/event"
	"lockfence/internal/probe"
)

// Image selects the program to load.
type Image struct {
	// Path of a compiled ELF object. Empty selects the built-in program.
	Path string

	// Probe configures the built-in program.
	Probe probe.Options
}

func (i Image) String() string {
	if i.Path == "" {
		return "builtin"
	}
	return i.Path
}

// LoadOptions configures attachment and event delivery.
type LoadOptions struct {
	XDPFlags link.XDPAttachFlags
	Perf     drain.PerfOptions
}

type attachment struct {
	probe Probe
	link  link.Link
}

// EBPFProvider is the production Provider backed by the kernel.
type EBPFProvider struct {
	mu       sync.Mutex
	coll     *ebpf.Collection
	events   *ebpf.Map
	counters *ebpf.Map
	dropped  *ebpf.Map
	attached []attachment
	demux    *drain.PerfDemux
	opts     LoadOptions
	logger   *zap.Logger
}

var _ Provider = (*EBPFProvider)(nil)

// Load parses and validates img, then loads it into the kernel. Nothing is
// attached yet.
func Load(img Image, opts LoadOptions, logger *zap.Logger) (*EBPFProvider, error) {
	logger = logger.With(zap.String("component", "loader"))
	if rel := kernelRelease(); rel != "" {
		logger.Info("Loading program", zap.Stringer("image", img), zap.String("kernel", rel))
	}

	spec, err := img.spec()
	if err != nil {
		return nil, &LoadError{Image: img.String(), Err: err}
	}
	if err := probe.ValidatePrograms(spec); err != nil {
		return nil, &LoadError{Image: img.String(), Err: err}
	}
	for _, name := range []string{probe.MapEvents, probe.MapCounters, probe.MapDropped} {
		if err := probe.ValidateMap(name, spec.Maps[name]); err != nil {
			return nil, &MapError{Map: name, Err: err}
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			logger.Error("Verifier rejected program", zap.String("log", fmt.Sprintf("%+v", verr)))
		}
		return nil, &LoadError{Image: img.String(), Err: err}
	}

	p := &EBPFProvider{
		coll:     coll,
		events:   coll.Maps[probe.MapEvents],
		counters: coll.Maps[probe.MapCounters],
		dropped:  coll.Maps[probe.MapDropped],
		opts:     opts,
		logger:   logger,
	}
	logger.Debug("Program loaded",
		zap.Int("programs", len(coll.Programs)),
		zap.Uint32("cpus", p.events.MaxEntries()))
	return p, nil
}

func (i Image) spec() (*ebpf.CollectionSpec, error) {
	if i.Path == "" {
		return probe.NewSpec(i.Probe), nil
	}
	f, err := os.Open(i.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return probe.LoadImage(f)
}

// AttachProbe activates one handler.
func (e *EBPFProvider) AttachProbe(p Probe) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.attached {
		if a.probe.key() == p.key() {
			return &AttachError{Probe: p, Err: ErrAlreadyAttached}
		}
	}

	prog := e.coll.Programs[p.Program]
	if prog == nil {
		return &AttachError{Probe: p, Err: fmt.Errorf("program %s: %w", p.Program, probe.ErrMissing)}
	}

	var (
		l   link.Link
		err error
	)
	switch p.Kind {
	case KindSyscall:
		l, err = link.Kprobe(p.Target, prog, nil)
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %v", ErrTargetNotFound, err)
		}
	case KindPacket:
		l, err = e.attachXDP(p.Target, prog)
	default:
		err = fmt.Errorf("unsupported hook kind %s", p.Kind)
	}
	if err != nil {
		return &AttachError{Probe: p, Err: err}
	}

	e.attached = append(e.attached, attachment{probe: p, link: l})
	return nil
}

func (e *EBPFProvider) attachXDP(iface string, prog *ebpf.Program) (link.Link, error) {
	nl, err := netlink.LinkByName(iface)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: interface %s", ErrTargetNotFound, iface)
		}
		return nil, fmt.Errorf("lookup interface %s: %w", iface, err)
	}
	return link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: nl.Attrs().Index,
		Flags:     e.opts.XDPFlags,
	})
}

// Detach removes attached probes in reverse order.
func (e *EBPFProvider) Detach() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *multierror.Error
	for i := len(e.attached) - 1; i >= 0; i-- {
		a := e.attached[i]
		if err := a.link.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("detach %s: %w", a.probe, err))
			continue
		}
		e.logger.Debug("Probe detached", zap.Stringer("probe", a.probe))
	}
	e.attached = nil
	return result.ErrorOrNil()
}

// InitCounters writes a zero entry for every id.
func (e *EBPFProvider) InitCounters(ids []event.Syscall) error {
	for _, id := range ids {
		if err := e.counters.Update(uint32(id), uint32(0), ebpf.UpdateAny); err != nil {
			return &MapError{Map: probe.MapCounters, Err: fmt.Errorf("init %s: %w", id, err)}
		}
	}
	return nil
}

// Counters reads every entry of the counter table.
func (e *EBPFProvider) Counters() (map[event.Syscall]uint32, error) {
	out := make(map[event.Syscall]uint32)
	var key, val uint32
	it := e.counters.Iterate()
	for it.Next(&key, &val) {
		out[event.Syscall(key)] = val
	}
	if err := it.Err(); err != nil {
		return nil, &MapError{Map: probe.MapCounters, Err: err}
	}
	return out, nil
}

// DroppedPackets sums the per-CPU drop counter.
func (e *EBPFProvider) DroppedPackets() (uint64, error) {
	var perCPU []uint64
	if err := e.dropped.Lookup(uint32(0), &perCPU); err != nil {
		return 0, &MapError{Map: probe.MapDropped, Err: err}
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total, nil
}

// Channels opens the perf reader on first use and starts routing samples to
// per-CPU rings until ctx is done.
func (e *EBPFProvider) Channels(ctx context.Context) ([]drain.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.demux != nil {
		return nil, errors.New("event channels already opened")
	}
	demux, err := drain.NewPerfDemux(e.events, e.opts.Perf, e.logger)
	if err != nil {
		return nil, &MapError{Map: probe.MapEvents, Err: err}
	}
	e.demux = demux

	go func() {
		if err := demux.Run(ctx); err != nil {
			e.logger.Error("Event reader stopped", zap.Error(err))
		}
	}()
	return demux.Channels(), nil
}

// Close releases the reader, every link and the collection.
func (e *EBPFProvider) Close() error {
	var result *multierror.Error

	e.mu.Lock()
	demux := e.demux
	e.mu.Unlock()
	if demux != nil {
		if err := demux.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close event reader: %w", err))
		}
	}

	if err := e.Detach(); err != nil {
		result = multierror.Append(result, err)
	}

	if e.coll != nil {
		e.coll.Close()
	}
	return result.ErrorOrNil()
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}
