// Package launcher wires configuration, the routing hub and the connection
// workers into the queryrelayd process.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/autoquery"
	"github.com/influxdata/queryrelay/config"
	"github.com/influxdata/queryrelay/hub"
	"github.com/influxdata/queryrelay/kit/cli"
	"github.com/influxdata/queryrelay/logger"
	"github.com/influxdata/queryrelay/transport"
	"github.com/influxdata/queryrelay/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// DefaultDialTimeout bounds each outbound connection attempt at startup.
const DefaultDialTimeout = 10 * time.Second

// NewCommand returns the queryrelayd command. The relay runs until ctx is
// cancelled or a fatal error occurs.
func NewCommand(ctx context.Context, v *viper.Viper) (*cobra.Command, error) {
	return NewLauncher().command(ctx, v)
}

func (m *Launcher) command(ctx context.Context, v *viper.Viper) (*cobra.Command, error) {
	prog := &cli.Program{
		Name: "queryrelayd",
		Run: func() error {
			m.recordExplicit(v)
			return m.run(ctx)
		},
		Opts: []cli.Opt{
			{
				DestP: &m.configPath,
				Flag:  "config",
				Short: 'c',
				Desc:  "path to the relay TOML configuration file",
			},
			{
				DestP:  &m.sources,
				Flag:   "sources",
				EnvVar: "SOURCES",
				Desc:   "comma separated host:port list of publisher endpoints to dial",
			},
			{
				DestP:  &m.destinations,
				Flag:   "destinations",
				EnvVar: "DESTINATIONS",
				Desc:   "comma separated host:port list of subscriber endpoints to dial",
			},
			{
				DestP: &m.logLevel,
				Flag:  "log-level",
				Desc:  "supported log levels are debug, info, warn and error; overrides the config file",
			},
			{
				DestP: &m.deliveryMode,
				Flag:  "delivery-mode",
				Desc:  "targeted or broadcast; overrides the config file",
			},
			{
				DestP: &m.metricsBindAddress,
				Flag:  "metrics-bind-address",
				Desc:  "bind address for the prometheus /metrics endpoint; overrides the config file",
			},
		},
	}
	cmd, err := cli.NewCommand(v, prog)
	if err != nil {
		return nil, queryrelay.ConfigErrorf("%s", err)
	}
	cmd.Short = "Relay queries from publishers to subscribers, first reply wins"
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return queryrelay.ConfigErrorf("%s", err)
	})
	return cmd, nil
}

// recordExplicit notes which typed options were given by flag or
// QUERYRELAYD_* env var. Their zero values must not mask the config file.
func (m *Launcher) recordExplicit(v *viper.Viper) {
	m.logLevelSet = v.IsSet("log-level")
	m.deliveryModeSet = v.IsSet("delivery-mode")
}

// Launcher represents the main program execution.
type Launcher struct {
	configPath         string
	sources            string
	destinations       string
	logLevel           zapcore.Level
	logLevelSet        bool
	deliveryMode       hub.DeliveryMode
	deliveryModeSet    bool
	metricsBindAddress string

	// Logger is used when set; otherwise one is built from the config.
	Logger *zap.Logger
	Stderr io.Writer
	Getenv func(string) string

	reg           *prometheus.Registry
	hub           *hub.Hub
	workerMetrics *worker.Metrics
	dialer        transport.Dialer

	mu        sync.Mutex
	closers   []io.Closer
	ready     chan struct{}
	readyOnce sync.Once
	metricsL  net.Listener
}

// NewLauncher returns a new instance of Launcher connected to standard err.
func NewLauncher() *Launcher {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Launcher{
		Stderr:        os.Stderr,
		Getenv:        os.Getenv,
		reg:           reg,
		workerMetrics: worker.NewMetrics(),
		dialer:        &transport.TCPDialer{Timeout: DefaultDialTimeout},
		ready:         make(chan struct{}),
	}
}

// Registry returns the prometheus metrics registry.
func (m *Launcher) Registry() *prometheus.Registry {
	return m.reg
}

// Hub returns the routing hub. It blocks until Ready is closed and is nil
// when startup failed before the hub was built.
func (m *Launcher) Hub() *hub.Hub {
	<-m.ready
	return m.hub
}

// Ready is closed once every configured endpoint is connected or listening,
// or once startup has failed.
func (m *Launcher) Ready() <-chan struct{} {
	return m.ready
}

// MetricsAddr returns the address /metrics is served on, or "" when
// disabled. Call after Ready.
func (m *Launcher) MetricsAddr() string {
	if m.metricsL == nil {
		return ""
	}
	return m.metricsL.Addr().String()
}

func (m *Launcher) run(ctx context.Context) error {
	c, err := m.loadConfig()
	if err != nil {
		return err
	}
	return m.RunConfig(ctx, c)
}

// loadConfig layers the config file, QUERYRELAYD_* env overrides, the
// endpoint lists and finally explicit flags. Plain SOURCES and DESTINATIONS
// are honored when the prefixed variables and flags are unset.
func (m *Launcher) loadConfig() (*config.Config, error) {
	c := config.NewConfig()
	if m.configPath != "" {
		if err := c.FromTomlFile(m.configPath); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnvOverrides(m.Getenv); err != nil {
		return nil, err
	}
	sources, destinations := m.sources, m.destinations
	if sources == "" {
		sources = m.Getenv("SOURCES")
	}
	if destinations == "" {
		destinations = m.Getenv("DESTINATIONS")
	}
	if err := c.AddEndpoints(queryrelay.Publisher, sources); err != nil {
		return nil, err
	}
	if err := c.AddEndpoints(queryrelay.Subscriber, destinations); err != nil {
		return nil, err
	}

	if m.logLevelSet {
		c.Logging.Level = m.logLevel
	}
	if m.deliveryModeSet {
		c.Relay.DeliveryMode = m.deliveryMode
	}
	if m.metricsBindAddress != "" {
		c.Metrics.BindAddress = m.metricsBindAddress
	}
	return c, nil
}

// RunConfig runs the relay described by c until ctx is cancelled or a
// fatal error occurs. Cancellation is a clean exit and returns nil.
func (m *Launcher) RunConfig(ctx context.Context, c *config.Config) (err error) {
	defer m.markReady()
	if err := c.Validate(); err != nil {
		return err
	}

	root := m.Logger
	if root == nil {
		if root, err = c.Logging.New(m.Stderr); err != nil {
			return queryrelay.ConfigErrorf("%s", err)
		}
	}
	log := root.With(logger.Service("launcher"))

	// Components derive their own service field from the root logger.
	ctx, cancel := context.WithCancel(logger.NewContextWithLogger(ctx, root))
	defer cancel()

	m.hub = hub.New(c.HubConfig())
	m.hub.WithLogger(root)
	m.reg.MustRegister(m.hub.PrometheusCollectors()...)
	m.reg.MustRegister(m.workerMetrics.PrometheusCollectors()...)

	g, gctx := errgroup.WithContext(ctx)
	defer func() {
		if cerr := m.close(); cerr != nil {
			log.Info("Errors while closing", zap.Error(cerr))
		}
		if err != nil {
			log.Error("Relay stopped", zap.Error(err))
		} else {
			log.Info("Relay stopped")
		}
		_ = log.Sync()
	}()

	// startup stops everything begun so far when it fails.
	startup := func() error {
		g.Go(func() error { return m.hub.Run(gctx) })

		if c.Metrics.BindAddress != "" {
			if err := m.serveMetrics(gctx, g, c.Metrics.BindAddress); err != nil {
				return err
			}
		}
		for _, e := range c.Publishers {
			if err := m.openEndpoint(gctx, g, c, queryrelay.Publisher, e); err != nil {
				return err
			}
		}
		for _, e := range c.Subscribers {
			if err := m.openEndpoint(gctx, g, c, queryrelay.Subscriber, e); err != nil {
				return err
			}
		}
		return nil
	}
	if err := startup(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	log.Info("Relay started",
		zap.Int("publishers", len(c.Publishers)),
		zap.Int("subscribers", len(c.Subscribers)),
		zap.Stringer("delivery_mode", c.Relay.DeliveryMode))
	m.markReady()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Launcher) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Launcher) track(c io.Closer) {
	m.mu.Lock()
	m.closers = append(m.closers, c)
	m.mu.Unlock()
}

func (m *Launcher) close() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (m *Launcher) serveMetrics(ctx context.Context, g *errgroup.Group, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &queryrelay.Error{Code: queryrelay.EConfig, Op: "launcher.serveMetrics", Msg: fmt.Sprintf("cannot bind %s", addr), Err: err}
	}
	m.metricsL = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	logger.FromContextOrNop(ctx).Info("Serving metrics",
		logger.Service("launcher"),
		zap.String("addr", ln.Addr().String()))
	return nil
}

// openEndpoint dials e, or starts listening on it, and runs a worker of
// role for every resulting connection.
func (m *Launcher) openEndpoint(ctx context.Context, g *errgroup.Group, c *config.Config, role queryrelay.Role, e config.Endpoint) error {
	log := logger.FromContextOrNop(ctx).With(logger.Role(role.String()), zap.String("addr", e.Address))

	if e.Mode == config.Listen {
		ln, err := transport.NewTCPListener(e.Address)
		if err != nil {
			return &queryrelay.Error{Code: queryrelay.EConfig, Op: "launcher.openEndpoint", Msg: fmt.Sprintf("cannot listen for %ss on %s", role, e.Address), Err: err}
		}
		ln.WithLogger(log)
		m.track(ln)

		g.Go(func() error {
			return ln.Serve(ctx, func(conn transport.Conn) {
				if ctx.Err() != nil {
					_ = conn.Close()
					return
				}
				if err := m.startWorker(ctx, g, c, role, e, conn); err != nil {
					log.Error("Failed to start worker", zap.Error(err))
				}
			})
		})
		return nil
	}

	conn, err := m.dialer.DialContext(ctx, e.Address)
	if err != nil {
		return &queryrelay.Error{Code: queryrelay.EConfig, Op: "launcher.openEndpoint", Msg: fmt.Sprintf("cannot connect to %s %s", role, e.Address), Err: err}
	}
	return m.startWorker(ctx, g, c, role, e, conn)
}

type runner interface {
	hub.Endpoint
	WithLogger(*zap.Logger)
	Run(context.Context) error
}

// startWorker registers a worker for conn with the hub and runs it in g.
// Connection failures end only that worker; fatal errors end the group.
func (m *Launcher) startWorker(ctx context.Context, g *errgroup.Group, c *config.Config, role queryrelay.Role, e config.Endpoint, conn transport.Conn) error {
	log := logger.FromContextOrNop(ctx)
	id := m.hub.NextWorkerID()
	wc := c.WorkerConfig(e, m.workerMetrics)

	var w runner
	switch role {
	case queryrelay.Publisher:
		p := worker.NewPublisher(id, conn, m.hub, wc)
		if schedules := e.Schedules(); len(schedules) > 0 {
			svc := autoquery.NewService(schedules...)
			svc.WithLogger(log)
			if err := svc.Open(ctx); err != nil {
				_ = conn.Close()
				return err
			}
			m.track(svc)
			p.SetSource(svc.C())
		}
		w = p
		w.WithLogger(log)
		m.hub.AddPublisher(p)
	case queryrelay.Subscriber:
		s := worker.NewSubscriber(id, conn, m.hub, wc)
		w = s
		w.WithLogger(log)
		m.hub.AddSubscriber(s)
	}

	g.Go(func() error {
		if err := w.Run(ctx); queryrelay.IsFatal(err) {
			return err
		}
		return nil
	})
	return nil
}
