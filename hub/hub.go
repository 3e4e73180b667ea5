// Package hub routes messages between publisher and subscriber workers.
//
// The hub owns two bounded relay queues, one per direction, and a
// dispatcher goroutine draining each. Requests entering toward subscribers
// are numbered and fanned out to every subscriber. Replies entering toward
// publishers pass through the Registry, which lets only the first reply for
// each id continue upstream.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultRelayQueueSize is the capacity of each relay queue.
const DefaultRelayQueueSize = 256

// DeliveryMode selects which publishers receive a winning reply.
type DeliveryMode int

const (
	// Targeted delivers a reply only to the publisher that issued the request.
	Targeted DeliveryMode = iota
	// Broadcast delivers every reply to every registered publisher.
	Broadcast
)

func (m DeliveryMode) String() string {
	switch m {
	case Targeted:
		return "targeted"
	case Broadcast:
		return "broadcast"
	}
	return "unknown"
}

// MarshalText encodes the mode name.
func (m DeliveryMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode name.
func (m *DeliveryMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "targeted", "":
		*m = Targeted
	case "broadcast":
		*m = Broadcast
	default:
		return fmt.Errorf("unknown delivery mode %q", text)
	}
	return nil
}

// Set parses a mode name, so a *DeliveryMode can back a command line flag.
func (m *DeliveryMode) Set(s string) error {
	return m.UnmarshalText([]byte(s))
}

func (m *DeliveryMode) Type() string {
	return "delivery-mode"
}

// Endpoint is a worker the dispatchers deliver to.
type Endpoint interface {
	ID() int

	// Publish places m on the endpoint's mailbox, blocking while it is full.
	// Publishing to an endpoint whose connection has gone away is a no-op.
	Publish(ctx context.Context, m *queryrelay.Message) error
}

// Config sizes the hub.
type Config struct {
	RelayQueueSize int
	RegistrySize   int
	DeliveryMode   DeliveryMode
}

// NewConfig returns a Config with defaults.
func NewConfig() Config {
	return Config{
		RelayQueueSize: DefaultRelayQueueSize,
		RegistrySize:   DefaultRegistrySize,
		DeliveryMode:   Targeted,
	}
}

// Hub is the routing core shared by every worker.
type Hub struct {
	Logger *zap.Logger
	Clock  clock.Clock

	mode          DeliveryMode
	toSubscribers chan *queryrelay.Message
	toPublishers  chan *queryrelay.Message

	publishers  Roster
	subscribers Roster
	registry    *Registry

	nextMessageID atomic.Int64
	nextWorkerID  atomic.Int64

	metrics *hubMetrics
}

// New returns a hub sized by c.
func New(c Config) *Hub {
	if c.RelayQueueSize <= 0 {
		c.RelayQueueSize = DefaultRelayQueueSize
	}
	return &Hub{
		Logger:        zap.NewNop(),
		Clock:         clock.New(),
		mode:          c.DeliveryMode,
		toSubscribers: make(chan *queryrelay.Message, c.RelayQueueSize),
		toPublishers:  make(chan *queryrelay.Message, c.RelayQueueSize),
		registry:      NewRegistry(c.RegistrySize),
		metrics:       newHubMetrics(),
	}
}

// WithLogger sets the logger for the hub.
func (h *Hub) WithLogger(log *zap.Logger) {
	h.Logger = log.With(logger.Service("hub"))
}

// PrometheusCollectors returns the hub's metrics.
func (h *Hub) PrometheusCollectors() []prometheus.Collector {
	return h.metrics.PrometheusCollectors()
}

// DeliveryMode returns the configured delivery mode.
func (h *Hub) DeliveryMode() DeliveryMode {
	return h.mode
}

// Registry returns the correlation registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// NextWorkerID allocates a worker id. Ids are never reused.
func (h *Hub) NextWorkerID() int {
	return int(h.nextWorkerID.Add(1) - 1)
}

// AddPublisher registers a publisher endpoint. There is no removal.
func (h *Hub) AddPublisher(e Endpoint) {
	h.publishers.Add(e)
	h.metrics.rosterSize.WithLabelValues(queryrelay.Publisher.String()).Inc()
	h.Logger.Info("Registered publisher", logger.WorkerID(e.ID()))
}

// AddSubscriber registers a subscriber endpoint. There is no removal.
func (h *Hub) AddSubscriber(e Endpoint) {
	h.subscribers.Add(e)
	h.metrics.rosterSize.WithLabelValues(queryrelay.Subscriber.String()).Inc()
	h.Logger.Info("Registered subscriber", logger.WorkerID(e.ID()))
}

// Publishers returns a snapshot of the publisher roster.
func (h *Hub) Publishers() []Endpoint {
	return h.publishers.Snapshot()
}

// Subscribers returns a snapshot of the subscriber roster.
func (h *Hub) Subscribers() []Endpoint {
	return h.subscribers.Snapshot()
}

// Track registers id with the registry ahead of sending its request.
func (h *Hub) Track(id int32) {
	h.registry.Track(id)
}

// Ingress places m on the relay queue for dir.
func (h *Hub) Ingress(ctx context.Context, dir queryrelay.Direction, m *queryrelay.Message) error {
	switch dir {
	case queryrelay.ToSubscribers:
		return h.IngressToSubscribers(ctx, m)
	case queryrelay.ToPublishers:
		return h.IngressToPublishers(ctx, m)
	}
	return &queryrelay.Error{Code: queryrelay.EInternal, Op: "hub.Ingress", Msg: fmt.Sprintf("unknown direction %d", dir)}
}

// IngressToSubscribers numbers a request, stamps its arrival time and
// queues it for the subscriber dispatcher. It blocks while the queue is full.
// Ids wrap to 0 after math.MaxInt32.
func (h *Hub) IngressToSubscribers(ctx context.Context, m *queryrelay.Message) error {
	m.ID = int32((h.nextMessageID.Add(1) - 1) % IDSpace)
	m.ReceivedAt = h.Clock.Now()
	return h.enqueue(ctx, queryrelay.ToSubscribers, h.toSubscribers, m)
}

// IngressToPublishers records a reply and queues it for the publisher
// dispatcher only if it is the first reply for its id. Later replies stay
// in the registry; replies for ids no longer tracked are dropped.
func (h *Hub) IngressToPublishers(ctx context.Context, m *queryrelay.Message) error {
	outcome := h.registry.Record(m)
	h.metrics.replies.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case Delivered:
		h.metrics.latency.Observe(m.Latency.Seconds())
		return h.enqueue(ctx, queryrelay.ToPublishers, h.toPublishers, m)
	case Late:
		h.Logger.Debug("Dropped reply for untracked id", logger.MessageID(m.ID))
	}
	return nil
}

func (h *Hub) enqueue(ctx context.Context, dir queryrelay.Direction, q chan<- *queryrelay.Message, m *queryrelay.Message) error {
	select {
	case q <- m:
	case <-ctx.Done():
		return queryrelay.Interrupted("hub.Ingress", ctx.Err())
	}
	h.metrics.ingress.WithLabelValues(dir.String()).Inc()
	h.metrics.queueDepth.WithLabelValues(dir.String()).Set(float64(len(q)))
	return nil
}
