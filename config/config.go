// Package config loads the relay configuration.
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/autoquery"
	"github.com/influxdata/queryrelay/filter"
	"github.com/influxdata/queryrelay/hub"
	"github.com/influxdata/queryrelay/logger"
	"github.com/influxdata/queryrelay/query"
	itoml "github.com/influxdata/queryrelay/toml"
	"github.com/influxdata/queryrelay/wire"
	"github.com/influxdata/queryrelay/worker"
)

const (
	// DefaultMailboxSize is the default capacity of every worker mailbox.
	DefaultMailboxSize = worker.DefaultMailboxSize

	// DefaultRelayQueueSize is the default capacity of each relay queue.
	DefaultRelayQueueSize = hub.DefaultRelayQueueSize

	// DefaultRegistrySize is the default number of correlation slots.
	DefaultRegistrySize = hub.DefaultRegistrySize

	// DefaultMaxFrameSize is the default largest accepted frame payload.
	DefaultMaxFrameSize = wire.DefaultMaxFrameSize

	// EnvPrefix prefixes environment variables overriding file settings.
	EnvPrefix = "QUERYRELAYD"
)

// Config is the top level relay configuration.
type Config struct {
	Logging     logger.Config `toml:"logging"`
	Relay       Relay         `toml:"relay"`
	Metrics     Metrics       `toml:"metrics"`
	Publishers  []Endpoint    `toml:"publisher"`
	Subscribers []Endpoint    `toml:"subscriber"`
}

// Relay sizes the routing core.
type Relay struct {
	MailboxSize    int              `toml:"mailbox-size"`
	RelayQueueSize int              `toml:"relay-queue-size"`
	RegistrySize   int              `toml:"registry-size"`
	DeliveryMode   hub.DeliveryMode `toml:"delivery-mode"`
	MaxFrameSize   itoml.Size       `toml:"max-frame-size"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	// BindAddress serves /metrics when set.
	BindAddress string `toml:"bind-address"`
}

// Endpoint is one configured connection point.
type Endpoint struct {
	Address      string         `toml:"address"`
	Mode         Mode           `toml:"mode"`
	InitSequence itoml.HexBytes `toml:"init-sequence"`

	// Fields filters the requests a subscriber accepts. Match "all"
	// requires every field to appear in a request, "any" at least one.
	Fields []string     `toml:"fields"`
	Match  filter.Match `toml:"match"`

	// Queries replace requests read from a publisher's connection.
	Queries []Query `toml:"query"`
}

// Query is a scheduled query.
type Query struct {
	Delay  itoml.Duration `toml:"delay"`
	Period itoml.Duration `toml:"period"`
	// Cron replaces delay and period with a UTC cron expression.
	Cron string `toml:"cron"`
	JSON string `toml:"json"`
}

// Mode selects how an endpoint's connections are established.
type Mode string

const (
	// Dial connects out to the address.
	Dial Mode = "dial"
	// Listen accepts connections on the address; each becomes a worker.
	Listen Mode = "listen"
)

// UnmarshalText parses a mode, defaulting to Dial.
func (m *Mode) UnmarshalText(text []byte) error {
	switch Mode(strings.ToLower(string(text))) {
	case "", Dial:
		*m = Dial
	case Listen:
		*m = Listen
	default:
		return fmt.Errorf("unknown connection mode %q", text)
	}
	return nil
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	return &Config{
		Logging: logger.NewConfig(),
		Relay: Relay{
			MailboxSize:    DefaultMailboxSize,
			RelayQueueSize: DefaultRelayQueueSize,
			RegistrySize:   DefaultRegistrySize,
			DeliveryMode:   hub.Targeted,
			MaxFrameSize:   itoml.Size(DefaultMaxFrameSize),
		},
	}
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return &queryrelay.Error{Code: queryrelay.EConfig, Op: "config.FromTomlFile", Err: err}
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from TOML.
func (c *Config) FromToml(input string) error {
	md, err := toml.Decode(input, c)
	if err != nil {
		return &queryrelay.Error{Code: queryrelay.EConfig, Op: "config.FromToml", Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return queryrelay.ConfigErrorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies QUERYRELAYD_* environment variables to c.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	if err := itoml.ApplyEnvOverrides(getenv, EnvPrefix, c); err != nil {
		return &queryrelay.Error{Code: queryrelay.EConfig, Op: "config.ApplyEnvOverrides", Err: err}
	}
	return nil
}

// AddEndpoints appends dialed endpoints for role from a comma separated
// host:port list, the format of the SOURCES and DESTINATIONS variables.
func (c *Config) AddEndpoints(role queryrelay.Role, list string) error {
	addrs, err := ParseEndpointList(list)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		e := Endpoint{Address: addr, Mode: Dial}
		if role == queryrelay.Publisher {
			c.Publishers = append(c.Publishers, e)
		} else {
			c.Subscribers = append(c.Subscribers, e)
		}
	}
	return nil
}

// ParseEndpointList splits a comma separated host:port list. Empty entries
// are skipped.
func ParseEndpointList(list string) ([]string, error) {
	var addrs []string
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if err := validateAddress(s); err != nil {
			return nil, queryrelay.ConfigErrorf("invalid endpoint %q: %s", s, err)
		}
		addrs = append(addrs, s)
	}
	return addrs, nil
}

func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("missing port")
	}
	return nil
}

// Validate returns a config error describing every problem with c.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Relay.MailboxSize < 1 {
		add("relay.mailbox-size must be positive")
	}
	if c.Relay.RelayQueueSize < 1 {
		add("relay.relay-queue-size must be positive")
	}
	if c.Relay.RegistrySize < 2 {
		add("relay.registry-size must be at least 2")
	}
	if c.Relay.MaxFrameSize > math.MaxUint32 {
		add("relay.max-frame-size must not exceed %s", itoml.Size(math.MaxUint32))
	}

	if len(c.Publishers) == 0 {
		add("at least one publisher endpoint is required")
	}
	if len(c.Subscribers) == 0 {
		add("at least one subscriber endpoint is required")
	}

	for i, e := range c.Publishers {
		name := fmt.Sprintf("publisher[%d]", i)
		for _, err := range e.validate(name) {
			errs = multierror.Append(errs, err)
		}
		if len(e.Fields) > 0 {
			add("%s: fields only apply to subscribers", name)
		}
		if e.Match != filter.Any {
			add("%s: match only applies to subscribers", name)
		}
		for j, q := range e.Queries {
			if q.Delay < 0 || q.Period < 0 {
				add("%s.query[%d]: delay and period must not be negative", name, j)
			}
			if q.Cron != "" {
				if q.Delay != 0 || q.Period != 0 {
					add("%s.query[%d]: cron cannot be combined with delay or period", name, j)
				}
				if err := autoquery.ParseCron(q.Cron); err != nil {
					add("%s.query[%d]: %s", name, j, err)
				}
			}
			if _, err := query.TopLevelKeys([]byte(q.JSON)); err != nil {
				add("%s.query[%d]: invalid json: %s", name, j, err)
			}
		}
	}
	for i, e := range c.Subscribers {
		name := fmt.Sprintf("subscriber[%d]", i)
		for _, err := range e.validate(name) {
			errs = multierror.Append(errs, err)
		}
		if len(e.Queries) > 0 {
			add("%s: scheduled queries only apply to publishers", name)
		}
		for _, f := range e.Fields {
			if strings.TrimSpace(f) == "" {
				add("%s: empty filter field", name)
			}
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return &queryrelay.Error{Code: queryrelay.EConfig, Op: "config.Validate", Err: err}
	}
	return nil
}

func (e Endpoint) validate(name string) []error {
	var errs []error
	if e.Address == "" {
		errs = append(errs, fmt.Errorf("%s: address is required", name))
	} else if err := validateAddress(e.Address); err != nil {
		errs = append(errs, fmt.Errorf("%s: invalid address %q: %s", name, e.Address, err))
	}
	switch e.Mode {
	case "", Dial, Listen:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown mode %q", name, e.Mode))
	}
	if n := len(e.InitSequence); n > 0 && n < 4 {
		errs = append(errs, fmt.Errorf("%s: init-sequence must hold at least the 4 byte length prefix, got %d bytes", name, n))
	}
	return errs
}

// HubConfig returns the routing core settings.
func (c *Config) HubConfig() hub.Config {
	return hub.Config{
		RelayQueueSize: c.Relay.RelayQueueSize,
		RegistrySize:   c.Relay.RegistrySize,
		DeliveryMode:   c.Relay.DeliveryMode,
	}
}

// WorkerConfig returns the settings for a worker serving e.
func (c *Config) WorkerConfig(e Endpoint, metrics *worker.Metrics) worker.Config {
	wc := worker.Config{
		MailboxSize: c.Relay.MailboxSize,
		Fields:      filter.NewFieldSet(e.Fields...),
		Match:       e.Match,
		Codec:       wire.Codec{MaxFrameSize: uint32(c.Relay.MaxFrameSize)},
		Metrics:     metrics,
	}
	if len(e.InitSequence) > 0 {
		wc.Init = queryrelay.FrameMessage([]byte(e.InitSequence))
	}
	return wc
}

// Schedules returns the scheduled queries configured for e.
func (e Endpoint) Schedules() []autoquery.Schedule {
	if len(e.Queries) == 0 {
		return nil
	}
	out := make([]autoquery.Schedule, len(e.Queries))
	for i, q := range e.Queries {
		out[i] = autoquery.Schedule{
			Delay:  time.Duration(q.Delay),
			Period: time.Duration(q.Period),
			Cron:   q.Cron,
			JSON:   []byte(q.JSON),
		}
	}
	return out
}
