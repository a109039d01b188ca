package probe

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"lockfence/internal/event"
)

// Stack slots, relative to the frame pointer. The record occupies
// recordOff..recordOff+event.Size and must stay 8-byte aligned.
const (
	recordOff  = -24
	pidOff     = recordOff
	uidOff     = recordOff + 4
	syscallOff = recordOff + 8
	tsOff      = recordOff + 12
	keyOff     = -32

	// BPF_F_CURRENT_CPU
	currentCPU = 0xffffffff
)

const exitLabel = "exit"

// syscallHandler emits a record on the current CPU's ring and bumps the
// counter entry for id. Both steps are best effort and the handler always
// returns 0, so the hooked call proceeds untouched.
func syscallHandler(name string, id event.Syscall) *ebpf.ProgramSpec {
	insns := asm.Instructions{
		// r6 = ctx, preserved across helper calls.
		asm.Mov.Reg(asm.R6, asm.R1).WithSymbol(name),

		// pid = pid_tgid >> 32
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, pidOff, asm.R0, asm.Word),

		// uid = low 32 bits of uid_gid
		asm.FnGetCurrentUidGid.Call(),
		asm.StoreMem(asm.RFP, uidOff, asm.R0, asm.Word),

		asm.StoreImm(asm.RFP, syscallOff, int64(id), asm.Word),
	}
	insns = append(insns, storeTimestamp()...)
	insns = append(insns,
		// perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &rec, Size).
		// A full ring drops the record; the return value is ignored.
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(MapEvents),
		asm.LoadImm(asm.R3, currentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, recordOff),
		asm.Mov.Imm(asm.R5, event.Size),
		asm.FnPerfEventOutput.Call(),

		// counter = lookup(&blocked_calls, &id); if counter { *counter += 1 }
		asm.StoreImm(asm.RFP, keyOff, int64(id), asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapCounters),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyOff),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, exitLabel),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.Word),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(exitLabel),
		asm.Return(),
	)

	return &ebpf.ProgramSpec{
		Name:         name,
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: insns,
	}
}

// storeTimestamp writes ktime_get_ns() into the record as two 32-bit halves.
// The timestamp sits at an offset that is not 8-byte aligned and the
// verifier rejects misaligned stack stores.
func storeTimestamp() asm.Instructions {
	lo, hi := int16(tsOff), int16(tsOff+4)
	if binary.NativeEndian.Uint16([]byte{0, 1}) == 1 {
		lo, hi = hi, lo
	}
	return asm.Instructions{
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, lo, asm.R0, asm.Word),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, hi, asm.R0, asm.Word),
	}
}

// packetHandler returns verdict for every packet. Dropped packets are
// counted in the per-CPU drop counter; a failed lookup skips the count.
func packetHandler(name string, verdict Verdict) *ebpf.ProgramSpec {
	var insns asm.Instructions
	if verdict == VerdictDrop {
		insns = asm.Instructions{
			asm.StoreImm(asm.RFP, -4, 0, asm.Word).WithSymbol(name),
			asm.LoadMapPtr(asm.R1, 0).WithReference(MapDropped),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, -4),
			asm.FnMapLookupElem.Call(),
			asm.JEq.Imm(asm.R0, 0, exitLabel),
			asm.Mov.Imm(asm.R1, 1),
			asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
			asm.Mov.Imm(asm.R0, int32(verdict)).WithSymbol(exitLabel),
			asm.Return(),
		}
	} else {
		insns = asm.Instructions{
			asm.Mov.Imm(asm.R0, int32(verdict)).WithSymbol(name),
			asm.Return(),
		}
	}

	return &ebpf.ProgramSpec{
		Name:         name,
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: insns,
	}
}
