package loader

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"lockfence/internal/drain"
	"lockfence/internal/event"
	"lockfence/internal/probe"
)

func TestMock_FireEmitsThenCounts(t *testing.T) {
	m := NewMock(2, 16, probe.VerdictDrop)
	if err := Setup(m, fullPlan(t), zaptest.NewLogger(t)); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	chans, err := m.Channels(ctx)
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(chans) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(chans))
	}

	for range 3 {
		if ok, err := m.Fire(1, event.Connect, 100, 500); !ok || err != nil {
			t.Fatalf("Fire: ok=%v err=%v", ok, err)
		}
	}
	cancel()

	d := drain.New(chans[1], drain.Options{}, zaptest.NewLogger(t))
	var last uint64
	n := 0
	for rec, err := range d.Events(context.Background()) {
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if rec.Pid != 100 || rec.Uid != 500 || event.Syscall(rec.Syscall) != event.Connect {
			t.Errorf("unexpected record %s", rec)
		}
		if rec.Timestamp <= last {
			t.Errorf("timestamps not increasing: %d after %d", rec.Timestamp, last)
		}
		last = rec.Timestamp
		n++
	}
	if n != 3 {
		t.Errorf("expected 3 records, got %d", n)
	}

	counters, _ := m.Counters()
	if counters[event.Connect] != 3 {
		t.Errorf("expected connect counter 3, got %d", counters[event.Connect])
	}
	if counters[event.Clone] != 0 {
		t.Errorf("expected clone counter 0, got %d", counters[event.Clone])
	}
}

func TestMock_FireWithoutCounterEntry(t *testing.T) {
	m := NewMock(1, 4, probe.VerdictDrop)
	defer m.Close()

	// Attach without creating counter entries.
	if err := m.AttachProbe(Probe{Kind: KindSyscall, Program: probe.ProgramClone, Target: "sys_clone"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if ok, _ := m.Fire(0, event.Clone, 1, 0); !ok {
		t.Fatal("expected handler to fire")
	}
	counters, _ := m.Counters()
	if _, ok := counters[event.Clone]; ok {
		t.Error("handler must not create counter entries")
	}
}

func TestMock_FireRejectsUnknownCPU(t *testing.T) {
	m := NewMock(1, 4, probe.VerdictDrop)
	defer m.Close()
	if _, err := m.Fire(3, event.Connect, 1, 1); err == nil {
		t.Error("expected an error for cpu out of range")
	}
}

func TestMock_ReceiveVerdicts(t *testing.T) {
	m := NewMock(1, 4, probe.VerdictDrop)
	defer m.Close()

	if v := m.Receive("eth0"); v != probe.VerdictPass {
		t.Errorf("unattached interface: expected pass, got %s", v)
	}

	if err := m.AttachProbe(Probe{Kind: KindPacket, Program: probe.ProgramXDP, Target: "eth0"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for range 4 {
		if v := m.Receive("eth0"); v != probe.VerdictDrop {
			t.Errorf("expected drop, got %s", v)
		}
	}
	if v := m.Receive("lo"); v != probe.VerdictPass {
		t.Errorf("other interface: expected pass, got %s", v)
	}
	if n, _ := m.DroppedPackets(); n != 4 {
		t.Errorf("expected 4 dropped packets, got %d", n)
	}
}

func TestMock_PassVerdictDoesNotCount(t *testing.T) {
	m := NewMock(1, 4, probe.VerdictPass)
	defer m.Close()
	if err := m.AttachProbe(Probe{Kind: KindPacket, Program: probe.ProgramXDP, Target: "eth0"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if v := m.Receive("eth0"); v != probe.VerdictPass {
		t.Errorf("expected pass, got %s", v)
	}
	if n, _ := m.DroppedPackets(); n != 0 {
		t.Errorf("expected 0 dropped packets, got %d", n)
	}
}

func TestMock_ChannelsOnce(t *testing.T) {
	m := NewMock(1, 4, probe.VerdictDrop)
	defer m.Close()
	if _, err := m.Channels(context.Background()); err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if _, err := m.Channels(context.Background()); err == nil {
		t.Error("expected second Channels call to fail")
	}
}
