// Package telemetry polls each configured node's monitor agent and applies
// the results to the shared registry.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inferops/internal/eventbus"
	"inferops/internal/registry"
)

// rawMetrics is the wire shape of GET {monitor_base_url}/metrics. All
// fields are required; a missing top-level field is a poll failure.
type rawMetrics struct {
	CPUUsagePercent *float64 `json:"cpu_usage_percent"`
	CPUModel        *string  `json:"cpu_model"`
	Memory          *struct {
		Percent *float64 `json:"percent"`
	} `json:"memory"`
	GPU *struct {
		UtilizationPercent *float64 `json:"utilization_percent"`
		MemoryUsagePercent *float64 `json:"memory_usage_percent"`
		TemperatureCelsius *float64 `json:"temperature_celsius"`
	} `json:"gpu"`
	Models []string `json:"models"`
}

func (r *rawMetrics) validate() error {
	switch {
	case r.CPUUsagePercent == nil:
		return fmt.Errorf("missing cpu_usage_percent")
	case r.CPUModel == nil:
		return fmt.Errorf("missing cpu_model")
	case r.Memory == nil || r.Memory.Percent == nil:
		return fmt.Errorf("missing memory.percent")
	case r.GPU == nil:
		return fmt.Errorf("missing gpu")
	case r.GPU.UtilizationPercent == nil:
		return fmt.Errorf("missing gpu.utilization_percent")
	case r.GPU.MemoryUsagePercent == nil:
		return fmt.Errorf("missing gpu.memory_usage_percent")
	case r.GPU.TemperatureCelsius == nil:
		return fmt.Errorf("missing gpu.temperature_celsius")
	case r.Models == nil:
		return fmt.Errorf("missing models")
	}
	return nil
}

func (r *rawMetrics) toMetrics(now time.Time) registry.Metrics {
	models := make(map[string]struct{}, len(r.Models))
	for _, m := range r.Models {
		models[m] = struct{}{}
	}
	return registry.Metrics{
		CPUUsagePercent: *r.CPUUsagePercent,
		CPUModel:        *r.CPUModel,
		Memory:          registry.MemoryMetrics{Percent: *r.Memory.Percent},
		GPU: registry.GPUMetrics{
			UtilizationPercent: *r.GPU.UtilizationPercent,
			MemoryUsagePercent: *r.GPU.MemoryUsagePercent,
			TemperatureCelsius: *r.GPU.TemperatureCelsius,
		},
		Models:    models,
		FetchedAt: now,
	}
}

// Poller periodically fetches every configured node's metrics endpoint and
// applies the result to the registry.
type Poller struct {
	reg    *registry.Registry
	bus    *eventbus.Bus
	client *http.Client
	logger *logrus.Logger

	interval time.Duration
	seqs     map[int]*uint64
}

// New builds a Poller. timeout bounds each individual node fetch.
func New(reg *registry.Registry, bus *eventbus.Bus, logger *logrus.Logger, interval, timeout time.Duration) *Poller {
	seqs := make(map[int]*uint64, len(reg.NodeIDs()))
	for _, id := range reg.NodeIDs() {
		var seq uint64
		seqs[id] = &seq
	}
	return &Poller{
		reg:      reg,
		bus:      bus,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		interval: interval,
		seqs:     seqs,
	}
}

// Run polls every configured node once per interval until ctx is
// cancelled. Each node's fetch is an independent errgroup member, so one
// node's error doesn't cancel siblings still in flight this cycle. Each
// successful poll advances that node's sustained-GPU-utilization streak
// exactly once; alerts.Evaluate only reads it, however many times it is
// itself called between polls.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range p.reg.NodeIDs() {
		id := id
		g.Go(func() error {
			p.pollNode(gctx, id)
			return nil
		})
	}
	// Errors are handled per-node inside pollNode; Wait only bounds the
	// cycle's lifetime against ctx cancellation.
	_ = g.Wait()
}

func (p *Poller) pollNode(ctx context.Context, id int) {
	snap, ok := p.reg.SnapshotOne(id)
	if !ok {
		return
	}

	seq := atomic.AddUint64(p.seqs[id], 1)
	now := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, snap.MonitorBaseURL+"/metrics", nil)
	if err != nil {
		p.fail(id, now, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(id, now, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.fail(id, now, fmt.Errorf("monitor returned status %d", resp.StatusCode))
		return
	}

	var raw rawMetrics
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		p.fail(id, now, fmt.Errorf("decoding metrics: %w", err))
		return
	}
	if err := raw.validate(); err != nil {
		p.fail(id, now, fmt.Errorf("schema violation: %w", err))
		return
	}

	transition, applied := p.reg.UpdateMetrics(id, seq, raw.toMetrics(now), now)
	if !applied {
		return
	}
	p.reg.RecordGPUUtilStreak(id, *raw.GPU.UtilizationPercent >= registry.GPUUtilHighThreshold)
	if transition != (registry.LivenessTransition{}) {
		p.logger.WithFields(logrus.Fields{"node_id": id, "online": transition.Online}).Info("node liveness changed")
		p.bus.PublishNodeLiveness(id, transition.Online, false, now)
	}
}

func (p *Poller) fail(id int, now time.Time, cause error) {
	p.reg.RecordGPUUtilStreak(id, false)
	transition, ok := p.reg.MarkFailure(id, now)
	if !ok {
		return
	}
	p.logger.WithFields(logrus.Fields{"node_id": id, "error": cause}).Debug("telemetry fetch failed")
	if transition != (registry.LivenessTransition{}) {
		p.logger.WithFields(logrus.Fields{"node_id": id, "online": transition.Online}).Warn("node liveness changed")
		p.bus.PublishNodeLiveness(id, transition.Online, false, now)
	}
}
