// Package dispatcher schedules a chat completion request onto a node,
// acquires its exclusivity lock, and proxies the upstream response back to
// the caller — either as a single JSON body or as a forwarded SSE stream.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inferops/internal/apperr"
	"inferops/internal/config"
	"inferops/internal/eventbus"
	"inferops/internal/registry"
	"inferops/internal/scheduler"
)

// idleConn resets a read deadline on every Read, turning a fixed dial
// timeout into a per-chunk idle timeout for long-lived SSE connections.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(b []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	return c.Conn.Read(b)
}

// Dispatcher owns the schedule-acquire-proxy lifecycle for chat completion
// requests.
type Dispatcher struct {
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	bus    *eventbus.Bus
	logger *logrus.Logger

	connectTimeout time.Duration
	idleTimeout    time.Duration
	maxRetries     int
	retryBackoff   time.Duration
}

// New builds a Dispatcher from resolved configuration.
func New(reg *registry.Registry, sched *scheduler.Scheduler, bus *eventbus.Bus, logger *logrus.Logger, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		reg:            reg,
		sched:          sched,
		bus:            bus,
		logger:         logger,
		connectTimeout: cfg.DispatcherConnectTimeout,
		idleTimeout:    cfg.DispatcherIdleTimeout,
		maxRetries:     cfg.DispatcherMaxRetries,
		retryBackoff:   cfg.DispatcherRetryBackoff,
	}
}

// acquired pairs a node id with the responsibility to release its lock.
type acquired struct {
	nodeID   int
	nodeName string
	llmURL   string
}

// acquireNode picks and locks a node, skipping any id in exclude — the
// caller's set of nodes already tried and released this request, so a
// pre-stream failover lands on a different node instead of retrying the
// one that just failed. It retries once on a TryAcquire race against a
// concurrent dispatch.
func (d *Dispatcher) acquireNode(req scheduler.Requirements, exclude map[int]bool) (acquired, error) {
	const raceRetries = 2

	var lastErr error
	for i := 0; i < raceRetries; i++ {
		snap := d.reg.Snapshot()
		if len(exclude) > 0 {
			filtered := make([]registry.Snapshot, 0, len(snap))
			for _, s := range snap {
				if !exclude[s.ID] {
					filtered = append(filtered, s)
				}
			}
			snap = filtered
		}

		nodeID, err := d.sched.Pick(snap, req)
		if err != nil {
			return acquired{}, err
		}
		if !d.reg.TryAcquire(nodeID) {
			lastErr = apperr.New(apperr.NoAvailableNode, "lost race acquiring node")
			continue
		}
		s, ok := d.reg.SnapshotOne(nodeID)
		if !ok {
			d.reg.Release(nodeID)
			lastErr = apperr.New(apperr.NoAvailableNode, "node vanished after acquisition")
			continue
		}
		return acquired{nodeID: nodeID, nodeName: s.Name, llmURL: s.LLMURL}, nil
	}
	if lastErr == nil {
		lastErr = apperr.New(apperr.NoAvailableNode, "no eligible node")
	}
	return acquired{}, lastErr
}

// Dispatch handles one /chat/completions request end to end.
func (d *Dispatcher) Dispatch(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Error(apperr.Wrap(apperr.BadRequest, "reading request body", err))
		return
	}

	var parsed struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.Error(apperr.Wrap(apperr.BadRequest, "invalid JSON body", err))
		return
	}

	req := scheduler.Requirements{Model: parsed.Model}

	if parsed.Stream {
		d.dispatchStreaming(c, body, req)
		return
	}
	d.dispatchBuffered(c, body, req)
}

// RunOne dispatches a single non-streaming chat prompt outside of an HTTP
// request/response cycle, for the batch engine's per-item workers. It shares
// the same schedule-acquire-forward-failover path as dispatchBuffered.
func (d *Dispatcher) RunOne(ctx context.Context, model, prompt string) (int, string, error) {
	body, err := json.Marshal(struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}{
		Model:  model,
		Stream: false,
		Messages: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return 0, "", apperr.Wrap(apperr.Internal, "encoding batch item", err)
	}

	req := scheduler.Requirements{Model: model}
	attempts := min(d.maxRetries, d.onlineCount())
	if attempts < 1 {
		attempts = 1
	}

	tried := make(map[int]bool, attempts)
	var lastErr error
	for i := 0; i < attempts; i++ {
		node, err := d.acquireNode(req, tried)
		if err != nil {
			return 0, "", err
		}

		resp, err := d.forwardOnce(ctx, node.llmURL, body)
		if err != nil || resp.StatusCode >= 500 {
			d.reg.Release(node.nodeID)
			d.reg.AdvisoryFail(node.nodeID)
			tried[node.nodeID] = true
			if err == nil {
				resp.Body.Close()
				err = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			}
			lastErr = apperr.Wrap(apperr.UpstreamUnavailable, "upstream request failed", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		d.reg.Release(node.nodeID)
		if err != nil {
			return 0, "", apperr.Wrap(apperr.UpstreamTruncated, "upstream response truncated", err)
		}
		return node.nodeID, string(respBody), nil
	}

	if lastErr == nil {
		lastErr = apperr.New(apperr.NoAvailableNode, "no eligible node")
	}
	return 0, "", lastErr
}

// dispatchBuffered handles non-streaming requests: schedule, forward, return
// the upstream JSON body verbatim with an X-Assigned-Node header.
func (d *Dispatcher) dispatchBuffered(c *gin.Context, body []byte, req scheduler.Requirements) {
	attempts := min(d.maxRetries, d.onlineCount())
	if attempts < 1 {
		attempts = 1
	}

	tried := make(map[int]bool, attempts)
	var lastErr error
	for i := 0; i < attempts; i++ {
		node, err := d.acquireNode(req, tried)
		if err != nil {
			c.Error(err)
			return
		}

		resp, err := d.forwardOnce(c.Request.Context(), node.llmURL, body)
		if err != nil || resp.StatusCode >= 500 {
			d.reg.Release(node.nodeID)
			d.reg.AdvisoryFail(node.nodeID)
			tried[node.nodeID] = true
			if err == nil {
				resp.Body.Close()
				err = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			}
			lastErr = apperr.Wrap(apperr.UpstreamUnavailable, "upstream request failed before response", err)
			time.Sleep(d.retryBackoff)
			continue
		}

		defer resp.Body.Close()
		defer d.reg.Release(node.nodeID)

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			c.Error(apperr.Wrap(apperr.UpstreamTruncated, "upstream response truncated", err))
			return
		}

		c.Header("X-Assigned-Node", nodeIDHeader(node.nodeID))
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	c.Error(lastErr)
}

// dispatchStreaming handles streaming requests: it opens the upstream SSE
// connection before writing anything to the client, retrying on any
// connect-time failure, then forwards frames line-by-line, injecting a
// node_assigned event first and terminating with a truncation frame on
// any mid-stream break instead of a second scheduling attempt.
func (d *Dispatcher) dispatchStreaming(c *gin.Context, body []byte, req scheduler.Requirements) {
	attempts := min(d.maxRetries, d.onlineCount())
	if attempts < 1 {
		attempts = 1
	}

	var (
		node acquired
		resp *http.Response
		err  error
	)

	tried := make(map[int]bool, attempts)
	for i := 0; i < attempts; i++ {
		node, err = d.acquireNode(req, tried)
		if err != nil {
			c.Error(err)
			return
		}

		resp, err = d.forwardOnce(c.Request.Context(), node.llmURL, body)
		if err == nil && resp.StatusCode < 500 {
			break
		}
		d.reg.Release(node.nodeID)
		d.reg.AdvisoryFail(node.nodeID)
		tried[node.nodeID] = true
		if resp != nil {
			resp.Body.Close()
		}
		err = apperr.Wrap(apperr.UpstreamUnavailable, "upstream connect failed before first byte", err)
		time.Sleep(d.retryBackoff)
	}
	if err != nil {
		c.Error(err)
		return
	}
	defer resp.Body.Close()
	defer d.reg.Release(node.nodeID)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	nodeAssigned, _ := json.Marshal(struct {
		NodeID   int    `json:"node_id"`
		NodeName string `json:"node_name"`
	}{NodeID: node.nodeID, NodeName: node.nodeName})
	fmt.Fprintf(w, "event: node_assigned\ndata: %s\n\n", nodeAssigned)
	flusher.Flush()

	// The LLM daemon speaks newline-delimited raw JSON chunks, not SSE
	// (Ollama-style): each line is wrapped as a data: frame here, and the
	// terminating [DONE] marker is synthesized on a clean EOF rather than
	// expected from upstream.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", line)
		flusher.Flush()
	}

	if err := scanner.Err(); err != nil {
		d.logger.WithFields(logrus.Fields{"node_id": node.nodeID, "error": err}).Warn("stream truncated")
		fmt.Fprint(w, "data: {\"error\": \"upstream truncated\"}\n\n")
		flusher.Flush()
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (d *Dispatcher) forwardOnce(ctx context.Context, url string, body []byte) (*http.Response, error) {
	// No derived deadline on ctx itself: cancelling the request context
	// after headers arrive would tear down the connection before a
	// streaming body is fully read. Connect time is bounded by the
	// dialer's own timeout and ResponseHeaderTimeout below; idleConn
	// bounds the gaps between body reads once streaming starts.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	dialer := &net.Dialer{Timeout: d.connectTimeout}
	idle := d.idleTimeout
	client := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: d.connectTimeout,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &idleConn{Conn: conn, idle: idle}, nil
			},
		},
	}

	return client.Do(req)
}

func (d *Dispatcher) onlineCount() int {
	n := 0
	for _, s := range d.reg.Snapshot() {
		if s.Online {
			n++
		}
	}
	return n
}

func nodeIDHeader(id int) string {
	return strconv.Itoa(id)
}
