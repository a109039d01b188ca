// Package config resolves process settings from flags, environment and an
// optional YAML file. Settings are fixed once resolved.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cilium/ebpf/link"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"lockfence/internal/event"
	"lockfence/internal/loader"
)

// EnvPrefix namespaces environment overrides, e.g. LOCK_ENABLE_NETWORK_BLOCK.
const EnvPrefix = "LOCK"

// Config is the resolved process configuration.
type Config struct {
	Interface    string   `mapstructure:"iface"`
	NetworkBlock bool     `mapstructure:"enable-network-block"`
	SyscallBlock bool     `mapstructure:"enable-syscall-block"`
	Syscalls     []string `mapstructure:"syscalls"`

	Image   string `mapstructure:"image"`
	XDPMode string `mapstructure:"xdp-mode"`

	PerCPUBufferPages int `mapstructure:"percpu-buffer-pages"`
	RingCapacity      int `mapstructure:"ring-capacity"`
	BatchSize         int `mapstructure:"batch-size"`
	DrainRetries      int `mapstructure:"drain-retries"`

	SummaryInterval time.Duration `mapstructure:"summary-interval"`
	ReorderWindow   time.Duration `mapstructure:"reorder-window"`
	MetricsAddr     string        `mapstructure:"metrics-addr"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Interface:         "eth0",
		Syscalls:          []string{"connect", "clone"},
		XDPMode:           "generic",
		PerCPUBufferPages: 8,
		RingCapacity:      4096,
		BatchSize:         32,
		DrainRetries:      5,
		SummaryInterval:   10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

var xdpModes = map[string]link.XDPAttachFlags{
	"generic": link.XDPGenericMode,
	"driver":  link.XDPDriverMode,
	"offload": link.XDPOffloadMode,
	"auto":    0,
}

// RegisterFlags adds every setting to fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "YAML config file")
	fs.String("iface", d.Interface, "network interface for packet blocking")
	fs.Bool("enable-network-block", d.NetworkBlock, "attach the packet handler to --iface")
	fs.Bool("enable-syscall-block", d.SyscallBlock, "attach the syscall handlers for --syscalls")
	fs.StringSlice("syscalls", d.Syscalls, "syscalls to monitor")
	fs.String("image", d.Image, "compiled program object (default: built-in)")
	fs.String("xdp-mode", d.XDPMode, "XDP attach mode: generic, driver, offload or auto")
	fs.Int("percpu-buffer-pages", d.PerCPUBufferPages, "kernel event buffer per CPU, in pages")
	fs.Int("ring-capacity", d.RingCapacity, "records queued per CPU before the newest is dropped")
	fs.Int("batch-size", d.BatchSize, "records read per drain batch")
	fs.Int("drain-retries", d.DrainRetries, "consecutive read failures tolerated per CPU")
	fs.Duration("summary-interval", d.SummaryInterval, "counter summary interval (0 disables)")
	fs.Duration("reorder-window", d.ReorderWindow, "merge CPUs by timestamp within this window (0 disables)")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address, e.g. :9090")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "json or console")
}

// New returns a viper instance bound to fs and the environment.
func New(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	d := Default()
	v.SetDefault("iface", d.Interface)
	v.SetDefault("syscalls", d.Syscalls)
	v.SetDefault("xdp-mode", d.XDPMode)
	v.SetDefault("percpu-buffer-pages", d.PerCPUBufferPages)
	v.SetDefault("ring-capacity", d.RingCapacity)
	v.SetDefault("batch-size", d.BatchSize)
	v.SetDefault("drain-retries", d.DrainRetries)
	v.SetDefault("summary-interval", d.SummaryInterval)
	v.SetDefault("reorder-window", d.ReorderWindow)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	v.SetDefault("enable-network-block", false)
	v.SetDefault("enable-syscall-block", false)
	v.SetDefault("image", "")
	v.SetDefault("metrics-addr", "")

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.NetworkBlock && strings.TrimSpace(c.Interface) == "" {
		result = multierror.Append(result, errors.New("network blocking requires --iface"))
	}
	if _, err := c.SyscallIDs(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.SyscallBlock && len(c.Syscalls) == 0 {
		result = multierror.Append(result, errors.New("syscall blocking requires at least one syscall"))
	}
	if _, ok := xdpModes[c.XDPMode]; !ok {
		result = multierror.Append(result, fmt.Errorf("unknown xdp mode %q", c.XDPMode))
	}
	if c.PerCPUBufferPages < 1 {
		result = multierror.Append(result, fmt.Errorf("percpu-buffer-pages must be positive, got %d", c.PerCPUBufferPages))
	}
	if c.RingCapacity < 1 {
		result = multierror.Append(result, fmt.Errorf("ring-capacity must be positive, got %d", c.RingCapacity))
	}
	if c.BatchSize < 1 {
		result = multierror.Append(result, fmt.Errorf("batch-size must be positive, got %d", c.BatchSize))
	}
	if c.DrainRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("drain-retries must not be negative, got %d", c.DrainRetries))
	}
	if c.SummaryInterval < 0 {
		result = multierror.Append(result, errors.New("summary-interval must not be negative"))
	}
	if c.ReorderWindow < 0 {
		result = multierror.Append(result, errors.New("reorder-window must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("log-level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return result.ErrorOrNil()
}

// HooksEnabled reports whether any probe will be attached.
func (c Config) HooksEnabled() bool {
	return c.NetworkBlock || c.SyscallBlock
}

// SyscallIDs resolves the configured syscall names, dropping duplicates.
func (c Config) SyscallIDs() ([]event.Syscall, error) {
	ids := make([]event.Syscall, 0, len(c.Syscalls))
	seen := make(map[event.Syscall]bool)
	for _, name := range c.Syscalls {
		id, err := event.ParseSyscall(name)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// XDPFlags maps XDPMode to attach flags.
func (c Config) XDPFlags() link.XDPAttachFlags {
	return xdpModes[c.XDPMode]
}

// PlanOptions returns the hook flags for loader.NewPlan.
func (c Config) PlanOptions() (loader.PlanOptions, error) {
	ids, err := c.SyscallIDs()
	if err != nil {
		return loader.PlanOptions{}, err
	}
	return loader.PlanOptions{
		SyscallBlock: c.SyscallBlock,
		Syscalls:     ids,
		NetworkBlock: c.NetworkBlock,
		Interface:    c.Interface,
	}, nil
}
