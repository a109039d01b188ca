package aggregate_test

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lockfence/internal/aggregate"
	"lockfence/internal/drain"
	"lockfence/internal/event"
	"lockfence/internal/loader"
	"lockfence/internal/metrics"
	"lockfence/internal/probe"
)

type harness struct {
	mock  *loader.Mock
	plan  loader.Plan
	chans []drain.Channel
	stop  context.CancelFunc
}

func newHarness(t *testing.T, cpus, capacity int, opts loader.PlanOptions) *harness {
	t.Helper()
	m := loader.NewMock(cpus, capacity, probe.VerdictDrop)
	t.Cleanup(func() { m.Close() })

	plan, err := loader.NewPlan(opts)
	require.NoError(t, err)
	require.NoError(t, loader.Setup(m, plan, zaptest.NewLogger(t)))

	ctx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	chans, err := m.Channels(ctx)
	require.NoError(t, err)
	return &harness{mock: m, plan: plan, chans: chans, stop: stop}
}

func (h *harness) fire(t *testing.T, cpu int, s event.Syscall, pid, uid uint32) {
	t.Helper()
	ok, err := h.mock.Fire(cpu, s, pid, uid)
	require.NoError(t, err)
	require.True(t, ok, "no probe for %s", s)
}

func run(t *testing.T, agg *aggregate.Aggregator, chans []drain.Channel) {
	t.Helper()
	drainers := drain.NewAll(chans, drain.Options{MaxRetries: 0, Backoff: time.Millisecond}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- agg.Run(context.Background(), drainers) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("aggregator did not finish")
	}
}

// parseLine extracts the cpu and timestamp of a report line.
func parseLine(t *testing.T, line string) (string, uint64) {
	t.Helper()
	fields := strings.Fields(line)
	require.GreaterOrEqual(t, len(fields), 2, line)
	cpu, ok := strings.CutPrefix(fields[0], "cpu=")
	require.True(t, ok, line)
	raw, ok := strings.CutPrefix(fields[len(fields)-1], "ts=")
	require.True(t, ok, line)
	ts, err := strconv.ParseUint(raw, 10, 64)
	require.NoError(t, err, line)
	return cpu, ts
}

func TestAggregator_ConnectScenario(t *testing.T) {
	h := newHarness(t, 2, 64, loader.PlanOptions{
		SyscallBlock: true,
		Syscalls:     []event.Syscall{event.Connect},
	})
	for range 3 {
		h.fire(t, 1, event.Connect, 100, 500)
	}
	h.stop()

	var out bytes.Buffer
	m := metrics.New()
	agg := aggregate.New(&out, h.mock, m, aggregate.Config{Monitored: h.plan.Counters}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.Contains(t, l, "syscall=42(connect) pid=100 uid=500")
	}
	assert.Equal(t, uint64(3), agg.EventCount())
	assert.Equal(t, uint64(3), agg.EventCountForSyscall(event.Connect))
	assert.Equal(t, uint64(3), agg.EventCountForPID(100))
	assert.Zero(t, agg.UnexpectedCount())

	summary := agg.Summary()
	assert.Equal(t, uint32(3), summary.Counters[event.Connect])
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BlockedSyscalls.WithLabelValues("connect")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Events))
}

func TestAggregator_TimestampsIncreasePerCPU(t *testing.T) {
	h := newHarness(t, 2, 64, loader.PlanOptions{
		SyscallBlock: true,
		Syscalls:     event.Known(),
	})
	for i := range 20 {
		h.fire(t, i%2, event.Known()[i%2], uint32(i), 0)
	}
	h.stop()

	var out bytes.Buffer
	agg := aggregate.New(&out, h.mock, nil, aggregate.Config{Monitored: h.plan.Counters}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	last := map[string]uint64{}
	for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		cpu, ts := parseLine(t, l)
		assert.Greater(t, ts, last[cpu], "cpu %s went backwards", cpu)
		last[cpu] = ts
	}
	assert.Equal(t, uint64(20), agg.EventCount())
}

func TestAggregator_ReorderWindowMergesByTimestamp(t *testing.T) {
	h := newHarness(t, 2, 64, loader.PlanOptions{
		SyscallBlock: true,
		Syscalls:     []event.Syscall{event.Connect},
	})
	// Alternate CPUs so the merged order depends on timestamps only.
	for i := range 6 {
		h.fire(t, i%2, event.Connect, uint32(i), 0)
	}
	h.stop()

	var out bytes.Buffer
	agg := aggregate.New(&out, h.mock, nil, aggregate.Config{
		Monitored:     h.plan.Counters,
		ReorderWindow: time.Hour,
		Clock:         func() uint64 { return 0 },
	}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	for i, l := range lines {
		assert.Contains(t, l, "pid="+strconv.Itoa(i)+" ")
	}
}

func TestAggregator_NoHooksNoEvents(t *testing.T) {
	h := newHarness(t, 2, 8, loader.PlanOptions{Syscalls: event.Known(), Interface: "eth0"})
	assert.Empty(t, h.mock.Attached())

	for _, s := range event.Known() {
		ok, err := h.mock.Fire(0, s, 1, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, probe.VerdictPass, h.mock.Receive("eth0"))
	h.stop()

	var out bytes.Buffer
	agg := aggregate.New(&out, h.mock, nil, aggregate.Config{}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	assert.Zero(t, agg.EventCount())
	assert.Empty(t, out.String())
}

func TestAggregator_UnexpectedSyscall(t *testing.T) {
	h := newHarness(t, 1, 8, loader.PlanOptions{
		SyscallBlock: true,
		Syscalls:     event.Known(),
	})
	h.fire(t, 0, event.Connect, 1, 1)
	h.fire(t, 0, event.Clone, 1, 1)
	h.stop()

	var out bytes.Buffer
	m := metrics.New()
	agg := aggregate.New(&out, h.mock, m, aggregate.Config{Monitored: []event.Syscall{event.Connect}}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	assert.Equal(t, uint64(2), agg.EventCount())
	assert.Equal(t, uint64(1), agg.UnexpectedCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Unexpected))
}

func TestAggregator_LostRecordsReachMetrics(t *testing.T) {
	h := newHarness(t, 1, 1, loader.PlanOptions{
		SyscallBlock: true,
		Syscalls:     []event.Syscall{event.Connect},
	})
	h.fire(t, 0, event.Connect, 1, 1)
	h.fire(t, 0, event.Connect, 1, 1) // ring full, dropped
	h.stop()

	var out bytes.Buffer
	m := metrics.New()
	agg := aggregate.New(&out, h.mock, m, aggregate.Config{Monitored: h.plan.Counters}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	assert.Equal(t, uint64(1), agg.EventCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsLost.WithLabelValues("0")))
	// The counter table still saw both calls.
	assert.Equal(t, uint32(2), agg.Summary().Counters[event.Connect])
}

func TestAggregator_DroppedPackets(t *testing.T) {
	h := newHarness(t, 1, 8, loader.PlanOptions{NetworkBlock: true, Interface: "eth0"})
	for range 5 {
		assert.Equal(t, probe.VerdictDrop, h.mock.Receive("eth0"))
	}
	h.stop()

	var out bytes.Buffer
	m := metrics.New()
	agg := aggregate.New(&out, h.mock, m, aggregate.Config{}, zaptest.NewLogger(t))
	run(t, agg, h.chans)

	assert.Equal(t, uint64(5), agg.Summary().Dropped)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DroppedPackets))
}

// brokenChannel fails every read.
type brokenChannel struct{ cpu int }

func (c brokenChannel) CPU() int { return c.cpu }
func (c brokenChannel) ReadBatch(context.Context, [][]byte) (drain.Batch, error) {
	return drain.Batch{}, errors.New("device error")
}
func (c brokenChannel) Close() error { return nil }

func TestAggregator_DrainFailureIsIsolated(t *testing.T) {
	good := drain.NewRing(0, 8)
	for i := range 4 {
		raw, err := event.Record{Pid: 9, Syscall: uint32(event.Connect), Timestamp: uint64(i + 1)}.MarshalBinary()
		require.NoError(t, err)
		good.Push(raw)
	}
	good.Close()

	var out bytes.Buffer
	m := metrics.New()
	agg := aggregate.New(&out, nil, m, aggregate.Config{Monitored: []event.Syscall{event.Connect}}, zaptest.NewLogger(t))
	run(t, agg, []drain.Channel{good, brokenChannel{cpu: 1}})

	assert.Equal(t, uint64(4), agg.EventCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DrainErrors.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DrainErrors.WithLabelValues("0")))
}

func TestAggregator_PeriodicSummary(t *testing.T) {
	h := newHarness(t, 1, 8, loader.PlanOptions{
		SyscallBlock: true,
		Syscalls:     []event.Syscall{event.Clone},
	})

	var out bytes.Buffer
	m := metrics.New()
	agg := aggregate.New(&out, h.mock, m, aggregate.Config{
		Monitored:       h.plan.Counters,
		SummaryInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	drainers := drain.NewAll(h.chans, drain.Options{}, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- agg.Run(context.Background(), drainers) }()

	h.fire(t, 0, event.Clone, 1, 1)
	h.fire(t, 0, event.Clone, 1, 1)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BlockedSyscalls.WithLabelValues("clone")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	h.stop()
	require.NoError(t, <-done)
	// The closing summary must not count the same calls twice.
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BlockedSyscalls.WithLabelValues("clone")))
}
