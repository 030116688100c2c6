// Package messaging publishes draft notifications over NATS with
// OpenTelemetry trace propagation.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

// DefaultSubject carries DraftCreated events.
const DefaultSubject = "workflows.draft.created"

var tracer = otel.Tracer("WorkflowScanner/messaging")

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// msgPublisher is the slice of *nats.Conn the publisher needs.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher announces new drafts to reviewers listening on a subject.
type NATSPublisher struct {
	conn    msgPublisher
	subject string
	logger  *slog.Logger
}

var _ ports.DraftPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher registers the connection and subject.
func NewNATSPublisher(conn msgPublisher, subject string, logger *slog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// PublishDraft serializes the event as JSON and publishes it. Trace context
// from ctx is injected into the message headers.
func (p *NATSPublisher) PublishDraft(ctx context.Context, event domain.DraftCreated) error {
	if p.conn == nil {
		return errors.New("nats publisher misconfigured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "publish "+p.subject, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode draft event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, event.WorkflowID)
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))

	if err := p.conn.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}

	if p.logger != nil {
		p.logger.Debug("draft event published", "subject", p.subject, "workflow_id", event.WorkflowID)
	}
	return nil
}

// Connect dials NATS with reconnect logging.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("workflowscanner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
