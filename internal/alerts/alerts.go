// Package alerts derives operator-facing warnings from a registry snapshot.
// Evaluate is a pure function with no side effects: the sustained-GPU-util
// streak it reads is advanced once per telemetry poll by
// internal/telemetry, not by Evaluate itself, since Evaluate may be called
// any number of times per poll cycle (once per /alerts request, once per
// alert-loop tick).
package alerts

import (
	"fmt"
	"time"

	"inferops/internal/registry"
)

// Level classifies an alert's severity.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is one derived condition about a node.
type Alert struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	NodeID  int    `json:"node_id"`
}

const (
	criticalTempCelsius = 85.0
	warningGPUMemPct    = 90.0
	warningMemPct       = 90.0
	sustainedPolls      = 2
)

// Evaluate walks a registry snapshot and returns every alert condition
// currently true. The sustained-GPU-utilization streak is read directly
// from each node's snapshot rather than advanced here.
func Evaluate(snapshot []registry.Snapshot, now time.Time, offlineAlertDelay time.Duration) []Alert {
	var out []Alert

	for _, node := range snapshot {
		if !node.Online {
			if !node.OfflineSince.IsZero() && now.Sub(node.OfflineSince) >= offlineAlertDelay {
				out = append(out, Alert{
					Level:   LevelCritical,
					Message: fmt.Sprintf("node %s has been offline for over %s", node.Name, offlineAlertDelay),
					NodeID:  node.ID,
				})
			}
			continue
		}

		if node.Metrics == nil {
			continue
		}

		if node.Metrics.GPU.TemperatureCelsius >= criticalTempCelsius {
			out = append(out, Alert{
				Level:   LevelCritical,
				Message: fmt.Sprintf("node %s GPU temperature at %.1f°C", node.Name, node.Metrics.GPU.TemperatureCelsius),
				NodeID:  node.ID,
			})
		}

		if node.Metrics.GPU.MemoryUsagePercent >= warningGPUMemPct {
			out = append(out, Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("node %s GPU memory usage at %.1f%%", node.Name, node.Metrics.GPU.MemoryUsagePercent),
				NodeID:  node.ID,
			})
		}

		if node.Metrics.Memory.Percent >= warningMemPct {
			out = append(out, Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("node %s system memory usage at %.1f%%", node.Name, node.Metrics.Memory.Percent),
				NodeID:  node.ID,
			})
		}

		if node.GPUUtilHighStreak >= sustainedPolls {
			out = append(out, Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("node %s GPU utilization sustained at %.1f%% for %d polls", node.Name, node.Metrics.GPU.UtilizationPercent, node.GPUUtilHighStreak),
				NodeID:  node.ID,
			})
		}
	}

	return out
}
