// Package event defines the record exchanged between the kernel-resident
// probes and the userspace drain through the per-CPU perf channel.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the byte length of a serialized Record. The layout has no padding:
// pid at 0, uid at 4, syscall at 8, timestamp at 12.
const Size = 20

// ErrShortRecord is returned when a raw sample is smaller than Size.
var ErrShortRecord = errors.New("short record")

// Record is the fixed-layout event emitted by a probe handler.
type Record struct {
	Pid       uint32
	Uid       uint32
	Syscall   uint32
	Timestamp uint64 // kernel monotonic clock, nanoseconds
}

// Decode parses a raw sample in native byte order. The sample may start at
// any address; trailing bytes (perf pads samples to 8 bytes) are ignored.
func Decode(raw []byte) (Record, error) {
	if len(raw) < Size {
		return Record{}, fmt.Errorf("%w: got=%d want>=%d", ErrShortRecord, len(raw), Size)
	}
	return Record{
		Pid:       binary.NativeEndian.Uint32(raw[0:4]),
		Uid:       binary.NativeEndian.Uint32(raw[4:8]),
		Syscall:   binary.NativeEndian.Uint32(raw[8:12]),
		Timestamp: binary.NativeEndian.Uint64(raw[12:20]),
	}, nil
}

// AppendBinary appends the serialized record to b.
func (r Record) AppendBinary(b []byte) ([]byte, error) {
	b = binary.NativeEndian.AppendUint32(b, r.Pid)
	b = binary.NativeEndian.AppendUint32(b, r.Uid)
	b = binary.NativeEndian.AppendUint32(b, r.Syscall)
	b = binary.NativeEndian.AppendUint64(b, r.Timestamp)
	return b, nil
}

// MarshalBinary returns the Size-byte serialization of r.
func (r Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, Size))
}

// String renders the report line for r.
func (r Record) String() string {
	return fmt.Sprintf("syscall=%d(%s) pid=%d uid=%d ts=%d",
		r.Syscall, Syscall(r.Syscall).Name(), r.Pid, r.Uid, r.Timestamp)
}
