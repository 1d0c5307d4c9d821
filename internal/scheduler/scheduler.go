// Package scheduler implements the composite-score weighted scheduling
// algorithm: a pure function over a registry snapshot plus request
// requirements, deliberately decoupled from locking so it stays trivially
// testable.
package scheduler

import (
	"time"

	"inferops/internal/apperr"
	"inferops/internal/config"
	"inferops/internal/registry"
)

// Requirements narrows eligible nodes for one scheduling decision.
type Requirements struct {
	Model string // optional; empty means no model constraint
}

// Scheduler picks the best eligible node from a registry snapshot.
type Scheduler struct {
	weights      config.SchedulerWeights
	pollInterval time.Duration
	capBounds    capBounds
}

// New builds a Scheduler. nodes is the static configuration used to
// compute the capability normalization bounds up front, across every
// configured node.
func New(nodes []config.NodeConfig, weights config.SchedulerWeights, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		weights:      weights,
		pollInterval: pollInterval,
		capBounds:    computeCapBounds(nodes),
	}
}

type capBounds struct {
	min, max float64
}

func computeCapBounds(nodes []config.NodeConfig) capBounds {
	if len(nodes) == 0 {
		return capBounds{}
	}
	first := rawCapability(nodes[0])
	b := capBounds{min: first, max: first}
	for _, n := range nodes[1:] {
		v := rawCapability(n)
		if v < b.min {
			b.min = v
		}
		if v > b.max {
			b.max = v
		}
	}
	return b
}

func rawCapability(n config.NodeConfig) float64 {
	return n.VRAMGB*0.5 + n.TFLOPS*0.5
}

func (b capBounds) normalize(v float64) float64 {
	if b.max == b.min {
		return 1.0
	}
	return (v - b.min) / (b.max - b.min)
}

// tempScore is 1.0 at or below 60°C, decays linearly to 0.0 at 90°C, and
// is 0.0 above.
func tempScore(celsius float64) float64 {
	switch {
	case celsius <= 60:
		return 1.0
	case celsius >= 90:
		return 0.0
	default:
		return 1.0 - (celsius-60)/30.0
	}
}

// Pick returns the winning node id, or an *apperr.Error of kind
// NoAvailableNode if no node is eligible. It never blocks and never
// retries — retry policy belongs to the dispatcher.
func (s *Scheduler) Pick(snapshot []registry.Snapshot, req Requirements) (int, error) {
	now := time.Now()
	staleAfter := 2 * s.pollInterval

	var (
		bestID       int
		bestScore    = -1.0
		bestGPUUtil  = 0.0
		found        bool
	)

	for _, node := range snapshot {
		if !s.eligible(node, req, now, staleAfter) {
			continue
		}

		score := s.score(node)
		gpuUtil := node.Metrics.GPU.UtilizationPercent

		switch {
		case !found:
			found, bestID, bestScore, bestGPUUtil = true, node.ID, score, gpuUtil
		case score > bestScore:
			bestID, bestScore, bestGPUUtil = node.ID, score, gpuUtil
		case score == bestScore:
			if gpuUtil < bestGPUUtil || (gpuUtil == bestGPUUtil && node.ID < bestID) {
				bestID, bestGPUUtil = node.ID, gpuUtil
			}
		}
	}

	if !found {
		return 0, apperr.New(apperr.NoAvailableNode, "no eligible node for request")
	}
	return bestID, nil
}

func (s *Scheduler) eligible(node registry.Snapshot, req Requirements, now time.Time, staleAfter time.Duration) bool {
	if !node.Online || node.Busy {
		return false
	}
	if node.Metrics == nil {
		return false
	}
	if node.IsStale(now, staleAfter) {
		return false
	}
	if req.Model != "" && !node.Metrics.HasModel(req.Model) {
		return false
	}
	return true
}

func (s *Scheduler) score(node registry.Snapshot) float64 {
	m := node.Metrics
	w := s.weights

	capScore := s.capBounds.normalize(node.VRAMGB*0.5 + node.TFLOPS*0.5)

	return w.Capability*capScore +
		w.GPUUtil*(1-m.GPU.UtilizationPercent/100) +
		w.GPUMem*(1-m.GPU.MemoryUsagePercent/100) +
		w.CPU*(1-m.CPUUsagePercent/100) +
		w.Memory*(1-m.Memory.Percent/100) +
		w.Temp*tempScore(m.GPU.TemperatureCelsius)
}
