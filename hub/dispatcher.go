package hub

import (
	"context"

	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run starts one dispatcher per relay queue and blocks until ctx is
// cancelled or a dispatcher hits a fatal error, which is returned.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.dispatch(ctx, queryrelay.ToSubscribers, h.toSubscribers, &h.subscribers)
	})
	g.Go(func() error {
		return h.dispatch(ctx, queryrelay.ToPublishers, h.toPublishers, &h.publishers)
	})

	h.Logger.Info("Dispatchers started", zap.Stringer("delivery_mode", h.mode))
	err := g.Wait()
	h.Logger.Info("Dispatchers stopped", zap.Error(err))
	return err
}

// dispatch delivers each message from q to every endpoint in a snapshot of
// roster taken after the message is dequeued. One dispatcher per direction
// keeps delivery attempts in queue order.
func (h *Hub) dispatch(ctx context.Context, dir queryrelay.Direction, q <-chan *queryrelay.Message, roster *Roster) error {
	log := h.Logger.With(zap.Stringer("direction", dir))
	for {
		var m *queryrelay.Message
		select {
		case m = <-q:
		case <-ctx.Done():
			return nil
		}
		h.metrics.queueDepth.WithLabelValues(dir.String()).Set(float64(len(q)))

		delivered := false
		for _, e := range roster.Snapshot() {
			if dir == queryrelay.ToPublishers && h.mode == Targeted && e.ID() != m.Origin {
				continue
			}
			delivered = true

			err := e.Publish(ctx, m)
			switch {
			case err == nil:
			case queryrelay.IsFatal(err):
				log.Error("Fatal error publishing to worker",
					logger.WorkerID(e.ID()),
					logger.MessageID(m.ID),
					zap.Error(err))
				return err
			case queryrelay.ErrorCode(err) == queryrelay.EInterrupted:
				return nil
			default:
				h.metrics.dispatchFailures.WithLabelValues(dir.String()).Inc()
				log.Info("Failed to publish to worker",
					logger.WorkerID(e.ID()),
					logger.MessageID(m.ID),
					zap.Error(err))
			}
		}

		if !delivered && dir == queryrelay.ToPublishers {
			h.metrics.undeliverable.Inc()
			log.Debug("No publisher for reply",
				logger.MessageID(m.ID),
				zap.Int("origin", m.Origin))
		}
	}
}
