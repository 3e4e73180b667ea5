package worker

import (
	"context"

	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/filter"
	"github.com/influxdata/queryrelay/hub"
	"github.com/influxdata/queryrelay/logger"
	"github.com/influxdata/queryrelay/transport"
	"go.uber.org/zap"
)

var _ hub.Endpoint = (*Subscriber)(nil)

// Subscriber serves one downstream connection. Requests are written with
// their correlation id and the reply read straight after is handed back to
// the hub under the same id.
type Subscriber struct {
	base

	fields filter.FieldSet
	match  filter.Match
}

// NewSubscriber returns a subscriber worker for conn.
func NewSubscriber(id int, conn transport.Conn, h Hub, c Config) *Subscriber {
	return &Subscriber{
		base:   newBase(id, queryrelay.Subscriber, conn, h, c),
		fields: c.Fields,
		match:  c.Match,
	}
}

// Fields returns the configured filter, nil when every request is admitted.
func (w *Subscriber) Fields() filter.FieldSet {
	return w.fields
}

// Publish places a request on the mailbox if the filter admits it.
// A payload the filter cannot read is a fatal protocol error. Publishing
// after the worker has stopped is a no-op.
func (w *Subscriber) Publish(ctx context.Context, m *queryrelay.Message) error {
	ok, err := w.fields.AdmitMatch(m.Payload, w.match)
	if err != nil {
		return err
	}
	if !ok {
		w.metrics.filterRejections.Inc()
		w.Logger.Debug("Request rejected by filter",
			logger.MessageID(m.ID),
			zap.Stringer("fields", w.fields),
			zap.Stringer("match", w.match))
		return nil
	}
	return w.push(ctx, m)
}

// Run serves the connection until it fails or ctx is cancelled. The
// connection is closed on return. The returned error is never nil.
func (w *Subscriber) Run(ctx context.Context) error {
	cancelWatch, err := w.start(ctx)
	if err == nil {
		err = w.loop(ctx)
	}
	return w.stop(ctx, cancelWatch, err)
}

func (w *Subscriber) loop(ctx context.Context) error {
	role := w.role.String()
	for {
		req, err := w.mailbox.Pop(ctx)
		if err != nil {
			return err
		}

		w.hub.Track(req.ID)
		if err := w.codec.WriteExtendedFrame(w.conn, req); err != nil {
			return err
		}
		w.metrics.requests.WithLabelValues(role).Inc()

		reply, err := w.codec.ReadFrame(w.conn)
		if err != nil {
			return err
		}
		w.metrics.replies.WithLabelValues(role).Inc()

		if err := w.hub.IngressToPublishers(ctx, req.Reply(reply, w.Clock.Now())); err != nil {
			return err
		}
	}
}
