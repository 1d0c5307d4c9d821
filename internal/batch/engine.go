// Package batch runs dataset-upload jobs: each row is dispatched to a node
// through a bounded worker pool, results accumulate in completion order, and
// a fixed number of most-recent jobs are retained for status polling.
package batch

import (
	"container/list"
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"inferops/internal/apperr"
	"inferops/internal/config"
	"inferops/internal/dispatcher"
	"inferops/internal/eventbus"
	"inferops/internal/registry"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ItemResult is one row's outcome, appended in completion order rather than
// original index order — item ordering was never a client-visible
// contract, and completion order lets a client watching job status see
// results as they land instead of only once every earlier item finishes.
// Original carries the exact uploaded item so a result is self-identifying
// without relying on array position.
type ItemResult struct {
	Original json.RawMessage `json:"original"`
	Output   json.RawMessage `json:"output"`
	NodeID   int             `json:"node_id,omitempty"`
}

func errorOutput(message string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: message})
	return b
}

// Job tracks one dataset-upload run.
type Job struct {
	mu sync.Mutex

	ID             string       `json:"job_id"`
	Status         Status       `json:"status"`
	TotalItems     int          `json:"total_items"`
	ProcessedItems int          `json:"processed_items"`
	Results        []ItemResult `json:"results"`
	HalfwayReached bool         `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func newJob(total int) *Job {
	id := uuid.New()
	now := time.Now()
	return &Job{
		ID:         hex.EncodeToString(id[:]),
		Status:     StatusRunning,
		TotalItems: total,
		Results:    make([]ItemResult, 0, total),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (j *Job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	results := make([]ItemResult, len(j.Results))
	copy(results, j.Results)
	return Job{
		ID:             j.ID,
		Status:         j.Status,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		Results:        results,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func (j *Job) appendResult(r ItemResult, bus *eventbus.Bus, threshold float64) {
	j.mu.Lock()
	j.Results = append(j.Results, r)
	j.ProcessedItems++
	j.UpdatedAt = time.Now()
	crossedHalfway := !j.HalfwayReached && float64(j.ProcessedItems)/float64(j.TotalItems) >= threshold
	if crossedHalfway {
		j.HalfwayReached = true
	}
	if j.ProcessedItems >= j.TotalItems {
		j.Status = StatusCompleted
	}
	j.mu.Unlock()

	if crossedHalfway {
		bus.PublishJobHalfway(j.ID)
	}
}

// Item is one row of an uploaded dataset: the original JSON value, serialized
// as-is to become the user message content dispatched with no model
// constraint.
type Item = json.RawMessage

// Engine runs dataset-upload jobs against the dispatcher's node pool.
type Engine struct {
	reg        *registry.Registry
	dispatch   *dispatcher.Dispatcher
	bus        *eventbus.Bus
	maxWorkers int
	deadline   time.Duration
	threshold  float64

	mu       sync.Mutex
	jobs     map[string]*Job
	order    *list.List // most-recently-created at the back; the front is evicted first
	elemByID map[string]*list.Element
	maxJobs  int
}

// New builds an Engine from resolved configuration.
func New(reg *registry.Registry, dispatch *dispatcher.Dispatcher, bus *eventbus.Bus, cfg *config.Config) *Engine {
	return &Engine{
		reg:        reg,
		dispatch:   dispatch,
		bus:        bus,
		maxWorkers: cfg.MaxWorkers,
		deadline:   cfg.ItemDeadline,
		threshold:  cfg.IncrementalMergeThreshold,
		jobs:       make(map[string]*Job),
		order:      list.New(),
		elemByID:   make(map[string]*list.Element),
		maxJobs:    cfg.MaxRetainedJobs,
	}
}

// Submit creates a job for items and dispatches them concurrently through a
// worker pool sized min(online_nodes, total_items, max_workers), returning
// immediately with the job id.
func (e *Engine) Submit(items []Item) (*Job, error) {
	if len(items) == 0 {
		return nil, apperr.New(apperr.BadDataset, "dataset has no rows")
	}

	job := newJob(len(items))
	e.retain(job)

	workers := e.workerCount(len(items))
	sem := semaphore.NewWeighted(int64(workers))

	go func() {
		var wg sync.WaitGroup
		for _, item := range items {
			item := item
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				e.runItem(job, item)
			}()
		}
		wg.Wait()
	}()

	return job, nil
}

func (e *Engine) workerCount(totalItems int) int {
	online := 0
	for _, s := range e.reg.Snapshot() {
		if s.Online {
			online++
		}
	}
	w := min(online, totalItems)
	w = min(w, e.maxWorkers)
	if w < 1 {
		w = 1
	}
	return w
}

func (e *Engine) runItem(job *Job, item Item) {
	ctx, cancel := context.WithTimeout(context.Background(), e.deadline)
	defer cancel()

	nodeID, output, err := e.dispatch.RunOne(ctx, "", string(item))
	if err != nil {
		job.appendResult(ItemResult{Original: item, Output: errorOutput(err.Error())}, e.bus, e.threshold)
		return
	}
	job.appendResult(ItemResult{Original: item, Output: json.RawMessage(output), NodeID: nodeID}, e.bus, e.threshold)
}

// Get returns a point-in-time snapshot of job id, and false if it has been
// evicted or never existed.
func (e *Engine) Get(id string) (Job, bool) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// retain stores job and evicts the oldest retained job once more than
// maxJobs are held.
func (e *Engine) retain(job *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.jobs[job.ID] = job
	e.elemByID[job.ID] = e.order.PushBack(job.ID)

	for e.order.Len() > e.maxJobs {
		oldest := e.order.Front()
		if oldest == nil {
			break
		}
		e.order.Remove(oldest)
		id := oldest.Value.(string)
		delete(e.jobs, id)
		delete(e.elemByID, id)
	}
}
