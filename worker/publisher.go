package worker

import (
	"context"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/hub"
	"github.com/influxdata/queryrelay/logger"
	"github.com/influxdata/queryrelay/transport"
	"go.uber.org/zap"
)

var _ hub.Endpoint = (*Publisher)(nil)

// Publisher serves one upstream connection. It handles one request at a
// time: read it, hand it to the hub, wait for the reply on the mailbox and
// write that back.
type Publisher struct {
	base

	source <-chan *queryrelay.Message
	count  atomic.Int64
}

// NewPublisher returns a publisher worker for conn.
func NewPublisher(id int, conn transport.Conn, h Hub, c Config) *Publisher {
	return &Publisher{base: newBase(id, queryrelay.Publisher, conn, h, c)}
}

// SetSource makes the worker take requests from src instead of reading them
// from its connection. Replies are then discarded once their latency is
// logged. It must be called before Run.
func (w *Publisher) SetSource(src <-chan *queryrelay.Message) {
	w.source = src
}

// Count returns the number of completed request/reply exchanges.
func (w *Publisher) Count() int64 {
	return w.count.Load()
}

// Publish places a reply on the mailbox. Publishing after the worker has
// stopped is a no-op.
func (w *Publisher) Publish(ctx context.Context, m *queryrelay.Message) error {
	return w.push(ctx, m)
}

// Run serves the connection until it fails or ctx is cancelled. The
// connection is closed on return. The returned error is never nil.
func (w *Publisher) Run(ctx context.Context) error {
	cancelWatch, err := w.start(ctx)
	if err == nil {
		err = w.loop(ctx)
	}
	return w.stop(ctx, cancelWatch, err)
}

func (w *Publisher) loop(ctx context.Context) error {
	role := w.role.String()
	for {
		req, err := w.next(ctx)
		if err != nil {
			return err
		}
		req.Origin = w.id
		w.metrics.requests.WithLabelValues(role).Inc()

		if err := w.hub.IngressToSubscribers(ctx, req); err != nil {
			return err
		}

		reply, err := w.mailbox.Pop(ctx)
		if err != nil {
			return err
		}

		if w.source != nil {
			w.Logger.Debug("Discarded reply to scheduled query",
				logger.MessageID(reply.ID),
				zap.Duration("latency", reply.Latency))
		} else if err := w.codec.WriteFrame(w.conn, reply); err != nil {
			return err
		}
		w.metrics.replies.WithLabelValues(role).Inc()
		w.count.Add(1)
	}
}

func (w *Publisher) next(ctx context.Context) (*queryrelay.Message, error) {
	if w.source == nil {
		m, err := w.codec.ReadFrame(w.conn)
		if err != nil {
			return nil, err
		}
		if ce := w.Logger.Check(zap.DebugLevel, "Read request"); ce != nil {
			ce.Write(zap.String("size", humanize.IBytes(uint64(len(m.Payload)))))
		}
		return m, nil
	}

	select {
	case m, ok := <-w.source:
		if !ok {
			return nil, &queryrelay.Error{Code: queryrelay.EInterrupted, Op: "worker.Publisher", Msg: "request source closed"}
		}
		return m, nil
	case <-ctx.Done():
		return nil, queryrelay.Interrupted("worker.Publisher", ctx.Err())
	}
}
