// Package eventbus publishes gateway lifecycle events to NATS for external
// consumers (audit pipelines, the dashboard's live feed) without those
// consumers needing to poll the HTTP API. It is purely additive: every
// publish is fire-and-forget, and a nil or disconnected Bus is a silent
// no-op, matching the "recoverable, absorbed inside the core" propagation
// policy the rest of the gateway follows.
package eventbus

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Bus wraps an optional NATS connection. The zero value (nil *Bus) is
// valid and publishes nothing.
type Bus struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// Connect dials url and returns a Bus. If url is empty, Connect returns a
// disabled Bus rather than an error — the event bus is optional
// infrastructure, not a startup dependency.
func Connect(url string, logger *logrus.Logger) *Bus {
	if url == "" {
		return &Bus{logger: logger}
	}
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		logger.WithError(err).Warn("eventbus: could not connect to NATS, continuing without it")
		return &Bus{logger: logger}
	}
	logger.WithField("url", url).Info("eventbus: connected to NATS")
	return &Bus{conn: conn, logger: logger}
}

// Close closes the underlying connection, if any, without draining it.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	b.conn.Close()
}

func (b *Bus) publish(subject string, payload any) {
	if b == nil || b.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := b.conn.Publish(subject, data); err != nil && b.logger != nil {
		b.logger.WithError(err).WithField("subject", subject).Debug("eventbus: publish failed")
	}
}

type nodeLivenessEvent struct {
	NodeID int       `json:"node_id"`
	Online bool      `json:"online"`
	Busy   bool      `json:"busy"`
	At     time.Time `json:"at"`
}

// PublishNodeLiveness announces a node's online/busy transition on
// "inferops.node.<id>".
func (b *Bus) PublishNodeLiveness(nodeID int, online, busy bool, at time.Time) {
	if b == nil {
		return
	}
	b.publish(subjectForNode(nodeID), nodeLivenessEvent{NodeID: nodeID, Online: online, Busy: busy, At: at})
}

func subjectForNode(nodeID int) string {
	return "inferops.node." + strconv.Itoa(nodeID)
}

type alertEvent struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	NodeID  *int   `json:"node_id,omitempty"`
}

// PublishAlert announces a derived alert on "inferops.alert".
func (b *Bus) PublishAlert(level, message string, nodeID *int) {
	if b == nil {
		return
	}
	b.publish("inferops.alert", alertEvent{Level: level, Message: message, NodeID: nodeID})
}

// PublishJobHalfway announces that a batch job crossed the incremental
// merge threshold, on "inferops.job.<id>.halfway".
func (b *Bus) PublishJobHalfway(jobID string) {
	if b == nil {
		return
	}
	b.publish("inferops.job."+jobID+".halfway", map[string]string{"job_id": jobID})
}
