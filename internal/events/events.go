// Package events publishes run-lifecycle notifications over NATS, adapted
// from the swarmguard libs/go/core/natsctx package's trace-propagating
// publish helper. This is purely observational: nothing in the scheduler
// or worker loop waits on a publish succeeding, and a publish failure
// never changes run state. Notifier exists only so an operator can watch
// a run progress from outside.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type Type string

const (
	RunStarted   Type = "run.started"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"
)

// Event is the payload published for every run-lifecycle transition.
type Event struct {
	Type         Type   `json:"type"`
	RunID        string `json:"run_id"`
	WorkflowSlug string `json:"workflow_slug"`
	Detail       string `json:"detail,omitempty"`
}

// Notifier publishes lifecycle events. Publish never returns an error to
// the caller by design (see the package doc): implementations log and
// swallow failures themselves.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// NoopNotifier discards every event, the default when no NATS connection
// is configured.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, Event) {}

var propagator = propagation.TraceContext{}

// NATSNotifier publishes to subject "workflows.<workflow_slug>.<type>",
// injecting trace context the way natsctx.Publish does so a subscriber
// can continue the run's trace.
type NATSNotifier struct {
	conn *nats.Conn
}

func NewNATSNotifier(conn *nats.Conn) *NATSNotifier { return &NATSNotifier{conn: conn} }

func (n *NATSNotifier) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("marshal run event", "error", err)
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	_, span := otel.Tracer("workflows-events").Start(ctx, "events.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	subject := "workflows." + ev.WorkflowSlug + "." + string(ev.Type)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := n.conn.PublishMsg(msg); err != nil {
		slog.Warn("publish run event", "subject", subject, "error", err)
	}
}
