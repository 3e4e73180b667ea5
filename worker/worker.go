// Package worker implements the per-connection tasks of the relay.
//
// A Publisher reads requests from an upstream connection, hands them to the
// hub and writes back the reply its mailbox receives. A Subscriber takes
// requests from its mailbox, writes them downstream with their correlation
// id and hands each reply back to the hub. Each worker owns its connection
// and closes it when its loop exits.
package worker

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/filter"
	"github.com/influxdata/queryrelay/logger"
	"github.com/influxdata/queryrelay/transport"
	"github.com/influxdata/queryrelay/wire"
	"go.uber.org/zap"
)

// Hub is the part of the routing hub a worker talks to.
type Hub interface {
	IngressToSubscribers(ctx context.Context, m *queryrelay.Message) error
	IngressToPublishers(ctx context.Context, m *queryrelay.Message) error
	Track(id int32)
}

// Config holds per-worker settings.
type Config struct {
	MailboxSize int

	// Init is written once, before anything else, when non-nil.
	Init *queryrelay.Message

	// Fields restricts which requests a Subscriber accepts. Ignored by
	// publishers.
	Fields filter.FieldSet
	// Match selects whether a request needs any or all of Fields.
	Match filter.Match

	Codec   wire.Codec
	Metrics *Metrics
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		MailboxSize: DefaultMailboxSize,
		Codec:       wire.DefaultCodec,
	}
}

type base struct {
	Logger *zap.Logger
	Clock  clock.Clock

	id      int
	role    queryrelay.Role
	conn    transport.Conn
	hub     Hub
	mailbox *Mailbox
	init    *queryrelay.Message
	codec   wire.Codec
	metrics *Metrics
}

func newBase(id int, role queryrelay.Role, conn transport.Conn, hub Hub, c Config) base {
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	return base{
		Logger:  zap.NewNop(),
		Clock:   clock.New(),
		id:      id,
		role:    role,
		conn:    conn,
		hub:     hub,
		mailbox: NewMailbox(c.MailboxSize),
		init:    c.Init,
		codec:   c.Codec,
		metrics: c.Metrics,
	}
}

// ID returns the worker id assigned at registration.
func (w *base) ID() int { return w.id }

// Role returns the side of the relay the worker serves.
func (w *base) Role() queryrelay.Role { return w.role }

// Mailbox returns the worker's mailbox.
func (w *base) Mailbox() *Mailbox { return w.mailbox }

// WithLogger sets the logger for the worker.
func (w *base) WithLogger(log *zap.Logger) {
	w.Logger = log.With(
		logger.Service("worker"),
		logger.Role(w.role.String()),
		logger.WorkerID(w.id),
	)
}

// push places m on the mailbox. A closed mailbox means the worker has
// exited; the message is dropped and no error is returned.
func (w *base) push(ctx context.Context, m *queryrelay.Message) error {
	err := w.mailbox.Push(ctx, m)
	if errors.Is(err, ErrMailboxClosed) {
		w.metrics.dropped.WithLabelValues(w.role.String()).Inc()
		w.Logger.Debug("Dropped message for stopped worker", logger.MessageID(m.ID))
		return nil
	}
	return err
}

// start writes the init sequence and arranges for the connection to close
// when ctx is cancelled. The returned func must be deferred.
func (w *base) start(ctx context.Context) (func() bool, error) {
	w.metrics.active.WithLabelValues(w.role.String()).Inc()
	stop := context.AfterFunc(ctx, func() { w.conn.Close() })

	w.Logger.Info("Starting worker", zap.Stringer("remote_addr", w.conn.RemoteAddr()))
	if w.init != nil {
		w.Logger.Debug("Writing init sequence", zap.String("size", humanize.IBytes(uint64(len(w.init.Payload)))))
	}
	err := w.codec.WriteInit(w.conn, w.init)
	return stop, err
}

// stop releases the worker's resources and classifies err. Errors caused
// by ctx being cancelled are reported as interrupted.
func (w *base) stop(ctx context.Context, cancelWatch func() bool, err error) error {
	cancelWatch()
	w.mailbox.Close()
	if cerr := w.conn.Close(); cerr != nil && err == nil {
		err = queryrelay.ConnectionError("worker.close", cerr)
	}
	w.metrics.active.WithLabelValues(w.role.String()).Dec()

	if ctx.Err() != nil && !queryrelay.IsFatal(err) {
		err = queryrelay.Interrupted("worker.Run", ctx.Err())
	}
	code := queryrelay.ErrorCode(err)
	w.metrics.exits.WithLabelValues(w.role.String(), code).Inc()

	switch code {
	case queryrelay.EInterrupted:
		w.Logger.Info("Worker stopped")
	case queryrelay.EConnection:
		w.Logger.Info("Worker connection closed", zap.Error(err))
	default:
		w.Logger.Error("Worker failed", zap.Error(err))
	}
	return err
}
