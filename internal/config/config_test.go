package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cilium/ebpf/link"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockfence/internal/event"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v, err := New(fs)
	require.NoError(t, err)
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.False(t, cfg.HooksEnabled())
	assert.Equal(t, link.XDPGenericMode, cfg.XDPFlags())
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := load(t,
		"--enable-syscall-block",
		"--syscalls", "connect",
		"--iface", "wlan0",
		"--summary-interval", "1m",
		"--xdp-mode", "driver",
	)
	require.NoError(t, err)

	assert.True(t, cfg.SyscallBlock)
	assert.False(t, cfg.NetworkBlock)
	assert.Equal(t, []string{"connect"}, cfg.Syscalls)
	assert.Equal(t, "wlan0", cfg.Interface)
	assert.Equal(t, time.Minute, cfg.SummaryInterval)
	assert.Equal(t, link.XDPDriverMode, cfg.XDPFlags())

	opts, err := cfg.PlanOptions()
	require.NoError(t, err)
	assert.Equal(t, []event.Syscall{event.Connect}, opts.Syscalls)
	assert.True(t, opts.SyscallBlock)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("LOCK_ENABLE_NETWORK_BLOCK", "true")
	t.Setenv("LOCK_IFACE", "eth1")
	t.Setenv("LOCK_RING_CAPACITY", "128")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.True(t, cfg.NetworkBlock)
	assert.Equal(t, "eth1", cfg.Interface)
	assert.Equal(t, 128, cfg.RingCapacity)
}

func TestLoad_FlagBeatsEnvironment(t *testing.T) {
	t.Setenv("LOCK_IFACE", "eth1")
	cfg, err := load(t, "--iface", "eth2")
	require.NoError(t, err)
	assert.Equal(t, "eth2", cfg.Interface)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockfence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enable-syscall-block: true
syscalls: [clone]
reorder-window: 5ms
metrics-addr: ":9090"
`), 0o600))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	assert.True(t, cfg.SyscallBlock)
	assert.Equal(t, []string{"clone"}, cfg.Syscalls)
	assert.Equal(t, 5*time.Millisecond, cfg.ReorderWindow)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"network block without interface", func(c *Config) { c.NetworkBlock = true; c.Interface = " " }, "requires --iface"},
		{"unknown syscall", func(c *Config) { c.Syscalls = []string{"openat"} }, "unknown syscall"},
		{"syscall block without syscalls", func(c *Config) { c.SyscallBlock = true; c.Syscalls = nil }, "at least one syscall"},
		{"batch size", func(c *Config) { c.BatchSize = 0 }, "batch-size"},
		{"ring capacity", func(c *Config) { c.RingCapacity = 0 }, "ring-capacity"},
		{"buffer pages", func(c *Config) { c.PerCPUBufferPages = 0 }, "percpu-buffer-pages"},
		{"negative retries", func(c *Config) { c.DrainRetries = -1 }, "drain-retries"},
		{"xdp mode", func(c *Config) { c.XDPMode = "fast" }, "xdp mode"},
		{"negative reorder window", func(c *Config) { c.ReorderWindow = -time.Second }, "reorder-window"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log-level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 0
	cfg.RingCapacity = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch-size")
	assert.Contains(t, err.Error(), "ring-capacity")
}

func TestSyscallIDs_Deduplicates(t *testing.T) {
	cfg := Default()
	cfg.Syscalls = []string{"connect", "Connect", " clone "}
	ids, err := cfg.SyscallIDs()
	require.NoError(t, err)
	assert.Equal(t, []event.Syscall{event.Connect, event.Clone}, ids)
}
