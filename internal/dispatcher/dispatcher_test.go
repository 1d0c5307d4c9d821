package dispatcher

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inferops/internal/config"
	"inferops/internal/eventbus"
	"inferops/internal/registry"
	"inferops/internal/scheduler"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.DispatcherConnectTimeout = 500 * time.Millisecond
	cfg.DispatcherIdleTimeout = time.Second
	cfg.DispatcherRetryBackoff = time.Millisecond
	return cfg
}

func onlineRegistry(t *testing.T, nodes []config.NodeConfig) *registry.Registry {
	t.Helper()
	reg := registry.New(nodes, 3, 15*time.Second)
	now := time.Now()
	for _, n := range nodes {
		reg.UpdateMetrics(n.ID, 1, registry.Metrics{FetchedAt: now}, now)
	}
	return reg
}

func newTestContext(t *testing.T, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(body))
	return c, rec
}

func TestDispatchStreamingHappyPath(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The LLM daemon speaks newline-delimited raw JSON chunks, not SSE.
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"choices":[{"delta":{"content":"hello"}}]}`+"\n")
		flusher.Flush()
	}))
	defer llm.Close()

	nodes := []config.NodeConfig{{ID: 1, Name: "a", LLMURL: llm.URL}}
	reg := onlineRegistry(t, nodes)
	sched := scheduler.New(nodes, config.Defaults().Weights, 2*time.Second)
	d := New(reg, sched, eventbus.Connect("", discardLogger()), discardLogger(), testConfig())

	// The request names llama3, so the node must advertise it to be eligible.
	now := time.Now()
	reg.UpdateMetrics(1, 2, registry.Metrics{Models: map[string]struct{}{"llama3": {}}, FetchedAt: now}, now)

	c, rec := newTestContext(t, `{"model":"llama3","stream":true}`)
	d.Dispatch(c)

	body := rec.Body.String()
	if !strings.Contains(body, "event: node_assigned") {
		t.Fatalf("expected a node_assigned event, got: %s", body)
	}
	if !strings.Contains(body, `"node_name":"a"`) {
		t.Fatalf("expected node_assigned to carry node_name, got: %s", body)
	}
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"hello"}}]}`) {
		t.Fatalf("expected the upstream chunk wrapped as a data: frame, got: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected a gateway-synthesized [DONE] terminator, got: %s", body)
	}
	if snap, _ := reg.SnapshotOne(1); snap.Busy {
		t.Fatal("expected node lock released after stream completes")
	}
}

// TestDispatchStreamingFailoverBeforeFirstByte checks that a node refusing
// the connection before any bytes are sent triggers a scheduling retry
// onto a different node, invisibly to the client.
func TestDispatchStreamingFailoverBeforeFirstByte(t *testing.T) {
	goodLLM := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"choices":[{"delta":{"content":"ok"}}]}`+"\n")
		flusher.Flush()
	}))
	defer goodLLM.Close()

	// A closed listener: connections are refused immediately.
	deadListener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadListener.URL
	deadListener.Close()

	nodes := []config.NodeConfig{
		{ID: 1, Name: "dead", LLMURL: deadURL},
		{ID: 2, Name: "good", LLMURL: goodLLM.URL},
	}
	reg := onlineRegistry(t, nodes)
	sched := scheduler.New(nodes, config.Defaults().Weights, 2*time.Second)
	d := New(reg, sched, eventbus.Connect("", discardLogger()), discardLogger(), testConfig())

	c, rec := newTestContext(t, `{"model":"","stream":true}`)
	d.Dispatch(c)

	body := rec.Body.String()
	if !strings.Contains(body, `"node_id":2`) {
		t.Fatalf("expected failover to node 2, got: %s", body)
	}
	if strings.Count(body, "event: node_assigned") != 1 {
		t.Fatalf("expected exactly one node_assigned event, got: %s", body)
	}
}

// TestDispatchStreamingMidStreamTruncation checks that a break after the
// first byte is surfaced as an error frame, not a second scheduling
// attempt.
func TestDispatchStreamingMidStreamTruncation(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"choices":[{"delta":{"content":"partial"}}]}`+"\n")
		flusher.Flush()
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer llm.Close()

	nodes := []config.NodeConfig{{ID: 1, Name: "a", LLMURL: llm.URL}}
	reg := onlineRegistry(t, nodes)
	sched := scheduler.New(nodes, config.Defaults().Weights, 2*time.Second)
	d := New(reg, sched, eventbus.Connect("", discardLogger()), discardLogger(), testConfig())

	c, rec := newTestContext(t, `{"model":"","stream":true}`)
	d.Dispatch(c)

	body := rec.Body.String()
	if strings.Count(body, "event: node_assigned") != 1 {
		t.Fatalf("expected exactly one node_assigned event, got: %s", body)
	}
	if !strings.Contains(body, "upstream truncated") {
		t.Fatalf("expected an upstream-truncated frame, got: %s", body)
	}
	if snap, _ := reg.SnapshotOne(1); snap.Busy {
		t.Fatal("expected node lock released after truncated stream")
	}
}
