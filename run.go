package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"lockfence/internal/aggregate"
	"lockfence/internal/config"
	"lockfence/internal/drain"
	"lockfence/internal/loader"
	"lockfence/internal/metrics"
	"lockfence/internal/probe"
)

type app struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
	open   func(config.Config, *zap.Logger) (loader.Provider, error)
}

// openKernel loads the program into the running kernel.
func openKernel(cfg config.Config, logger *zap.Logger) (loader.Provider, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}

	img := loader.Image{
		Path:  cfg.Image,
		Probe: probe.Options{Verdict: probe.VerdictDrop, CounterCapacity: probe.DefaultCounterCapacity},
	}
	opts := loader.LoadOptions{
		XDPFlags: cfg.XDPFlags(),
		Perf: drain.PerfOptions{
			PerCPUBuffer: cfg.PerCPUBufferPages * os.Getpagesize(),
			RingCapacity: cfg.RingCapacity,
			MaxErrors:    cfg.DrainRetries,
		},
	}
	p, err := loader.Load(img, opts, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// run sets up the pipeline and reports events until ctx is done.
func (a *app) run(ctx context.Context) error {
	if !a.cfg.HooksEnabled() {
		a.logger.Info("No hooks enabled, nothing attached; waiting for interrupt")
		<-ctx.Done()
		a.logger.Info("Shutting down")
		return nil
	}

	planOpts, err := a.cfg.PlanOptions()
	if err != nil {
		return err
	}
	plan, err := loader.NewPlan(planOpts)
	if err != nil {
		return err
	}

	p, err := a.open(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			a.logger.Warn("Teardown incomplete", zap.Error(err))
		}
	}()

	if err := loader.Setup(p, plan, a.logger); err != nil {
		return err
	}

	m := metrics.New()
	m.AttachedProbes.Set(float64(len(plan.Probes)))

	serverDone := make(chan struct{})
	if a.cfg.MetricsAddr != "" {
		srv := metrics.NewServer(a.cfg.MetricsAddr, m, a.logger)
		go func() {
			defer close(serverDone)
			if err := srv.Run(ctx); err != nil {
				a.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	} else {
		close(serverDone)
	}

	chans, err := p.Channels(ctx)
	if err != nil {
		return err
	}
	drainers := drain.NewAll(chans, drain.Options{
		BatchSize:  a.cfg.BatchSize,
		MaxRetries: a.cfg.DrainRetries,
	}, a.logger)

	agg := aggregate.New(a.out, p, m, aggregate.Config{
		Monitored:       plan.Counters,
		SummaryInterval: a.cfg.SummaryInterval,
		ReorderWindow:   a.cfg.ReorderWindow,
	}, a.logger)

	a.logger.Info("Probes active, press Ctrl+C to stop",
		zap.Int("probes", len(plan.Probes)),
		zap.Int("cpus", len(chans)))

	if err := agg.Run(ctx, drainers); err != nil {
		return err
	}
	<-serverDone

	s := agg.Summary()
	a.logger.Info("Shutting down",
		zap.Uint64("events", s.Events),
		zap.Uint64("unexpected", s.Unexpected),
		zap.Uint64("dropped_packets", s.Dropped))
	return nil
}
