package registry

import (
	"encoding/json"
	"testing"
	"time"

	"inferops/internal/config"
)

func testNodes() []config.NodeConfig {
	return []config.NodeConfig{
		{ID: 1, Name: "a", MonitorBaseURL: "http://a", LLMURL: "http://a/llm", VRAMGB: 24, TFLOPS: 100},
		{ID: 2, Name: "b", MonitorBaseURL: "http://b", LLMURL: "http://b/llm", VRAMGB: 48, TFLOPS: 200},
	}
}

func fullMetrics(now time.Time) Metrics {
	return Metrics{
		CPUUsagePercent: 10,
		CPUModel:        "Epyc",
		Memory:          MemoryMetrics{Percent: 20},
		GPU:             GPUMetrics{UtilizationPercent: 30, MemoryUsagePercent: 40, TemperatureCelsius: 50},
		Models:          map[string]struct{}{"llama3": {}},
		FetchedAt:       now,
	}
}

func TestUpdateMetricsBringsNodeOnline(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()

	transition, applied := r.UpdateMetrics(1, 1, fullMetrics(now), now)
	if !applied {
		t.Fatal("expected update to apply")
	}
	if !transition.Online {
		t.Fatalf("expected online transition, got %+v", transition)
	}

	snap, ok := r.SnapshotOne(1)
	if !ok || !snap.Online {
		t.Fatalf("expected node 1 online, got %+v", snap)
	}
}

func TestUpdateMetricsDiscardsOutOfOrderSequence(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()

	r.UpdateMetrics(1, 5, fullMetrics(now), now)
	_, applied := r.UpdateMetrics(1, 3, fullMetrics(now.Add(time.Second)), now.Add(time.Second))
	if applied {
		t.Fatal("expected stale sequence number to be discarded")
	}
}

func TestMarkFailureGoesOfflineAfterThreshold(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()
	r.UpdateMetrics(1, 1, fullMetrics(now), now)

	var transition LivenessTransition
	for i := 0; i < 3; i++ {
		transition, _ = r.MarkFailure(1, now.Add(time.Duration(i)*time.Second))
	}

	if transition.Online {
		t.Fatalf("expected offline transition after 3 consecutive failures, got %+v", transition)
	}

	snap, _ := r.SnapshotOne(1)
	if snap.Online {
		t.Fatal("expected node offline")
	}
	if snap.Metrics != nil {
		t.Fatal("expected metrics cleared on going offline")
	}
}

func TestMarkFailureGoesOfflineOnStaleness(t *testing.T) {
	r := New(testNodes(), 100, 15*time.Second)
	now := time.Now()
	r.UpdateMetrics(1, 1, fullMetrics(now), now)

	transition, _ := r.MarkFailure(1, now.Add(20*time.Second))
	if transition.Online {
		t.Fatal("expected offline transition due to staleness")
	}
}

func TestCPUModelIsSticky(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()
	r.UpdateMetrics(1, 1, fullMetrics(now), now)

	m2 := fullMetrics(now.Add(time.Second))
	m2.CPUModel = ""
	r.UpdateMetrics(1, 2, m2, now.Add(time.Second))

	snap, _ := r.SnapshotOne(1)
	if snap.Metrics.CPUModel != "Epyc" {
		t.Fatalf("expected sticky CPU model, got %q", snap.Metrics.CPUModel)
	}
}

func TestTryAcquireIsExclusive(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()
	r.UpdateMetrics(1, 1, fullMetrics(now), now)

	if !r.TryAcquire(1) {
		t.Fatal("expected first acquire to succeed")
	}
	if r.TryAcquire(1) {
		t.Fatal("expected second acquire to fail while busy")
	}

	r.Release(1)
	if !r.TryAcquire(1) {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestTryAcquireFailsWhenOffline(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	if r.TryAcquire(1) {
		t.Fatal("expected acquire to fail for a node that never reported in")
	}
}

func TestUpdateMetricsClearsOfflineSinceOnRecovery(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()
	r.UpdateMetrics(1, 1, fullMetrics(now), now)
	r.MarkFailure(1, now.Add(time.Second))
	r.MarkFailure(1, now.Add(2*time.Second))
	r.MarkFailure(1, now.Add(3*time.Second))

	snap, _ := r.SnapshotOne(1)
	if snap.OfflineSince.IsZero() {
		t.Fatal("expected offlineSince set after going offline")
	}

	r.UpdateMetrics(1, 2, fullMetrics(now.Add(4*time.Second)), now.Add(4*time.Second))
	snap, _ = r.SnapshotOne(1)
	if !snap.OfflineSince.IsZero() {
		t.Fatal("expected offlineSince cleared on recovery")
	}
}

func TestSnapshotMetricsIsIndependentOfLiveMutation(t *testing.T) {
	r := New(testNodes(), 3, 15*time.Second)
	now := time.Now()
	r.UpdateMetrics(1, 1, fullMetrics(now), now)
	r.TryAcquire(1)

	snap, _ := r.SnapshotOne(1)
	if !snap.Metrics.Locked {
		t.Fatal("expected snapshot to reflect the lock at capture time")
	}

	r.Release(1)
	if !snap.Metrics.Locked {
		t.Fatal("expected a previously-taken snapshot to stay fixed after a later Release")
	}
}

func TestMetricsMarshalsModelsAsArray(t *testing.T) {
	m := fullMetrics(time.Now())
	m.Models = map[string]struct{}{"llama3": {}, "mistral": {}}

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Models          []string `json:"models"`
		CPUUsagePercent float64  `json:"cpu_usage_percent"`
		GPU             struct {
			TemperatureCelsius float64 `json:"temperature_celsius"`
		} `json:"gpu"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Models) != 2 || decoded.Models[0] != "llama3" || decoded.Models[1] != "mistral" {
		t.Fatalf("expected sorted models array, got %v", decoded.Models)
	}
	if decoded.CPUUsagePercent != 10 {
		t.Fatalf("expected snake_case cpu_usage_percent to decode, got %+v", decoded)
	}
	if decoded.GPU.TemperatureCelsius != 50 {
		t.Fatalf("expected snake_case gpu.temperature_celsius to decode, got %+v", decoded)
	}
}
