package event

import (
	"fmt"
	"strings"
)

// Syscall identifies a monitored system call. Values follow the x86-64
// syscall table and are used as stable identifiers on every architecture.
type Syscall uint32

const (
	Connect Syscall = 42
	Clone   Syscall = 56
)

var syscallNames = map[Syscall]string{
	Connect: "connect",
	Clone:   "clone",
}

// Known returns every syscall a probe handler exists for, ordered by id.
func Known() []Syscall {
	return []Syscall{Connect, Clone}
}

// ParseSyscall maps a syscall name to its identifier.
func ParseSyscall(name string) (Syscall, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, n := range syscallNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown syscall %q", name)
}

// Name returns the syscall name, or "unknown".
func (s Syscall) Name() string {
	if n, ok := syscallNames[s]; ok {
		return n
	}
	return "unknown"
}

// KernelSymbol is the kprobe target for s. The attach layer resolves the
// architecture prefix (__x64_sys_, __arm64_sys_) on its own.
func (s Syscall) KernelSymbol() string {
	return "sys_" + s.Name()
}

func (s Syscall) String() string {
	return fmt.Sprintf("%s(%d)", s.Name(), uint32(s))
}
