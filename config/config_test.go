package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/config"
	"github.com/influxdata/queryrelay/filter"
	"github.com/influxdata/queryrelay/hub"
	itoml "github.com/influxdata/queryrelay/toml"
	"github.com/influxdata/queryrelay/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const testConfig = `
[logging]
  format = "json"
  level = "debug"

[relay]
  mailbox-size = 64
  relay-queue-size = 512
  registry-size = 128
  delivery-mode = "broadcast"
  max-frame-size = "16m"

[metrics]
  bind-address = ":9273"

[[publisher]]
  address = "upstream:55555"
  init-sequence = "fcffffff00000000"

  [[publisher.query]]
    delay = "1s"
    period = "2s"
    json = '[{"FindEntity": {"class": "drone"}}]'

[[publisher]]
  address = ":55556"
  mode = "listen"

[[subscriber]]
  address = "vdms-a:55555"
  fields = ["FindEntity", "AddEntity"]
  match = "all"

[[subscriber]]
  address = "vdms-b:55555"
`

func TestConfig_Parse(t *testing.T) {
	c := config.NewConfig()
	require.NoError(t, c.FromToml(testConfig))
	require.NoError(t, c.Validate())

	require.Equal(t, "json", c.Logging.Format)
	require.Equal(t, zapcore.DebugLevel, c.Logging.Level)

	exp := config.Relay{
		MailboxSize:    64,
		RelayQueueSize: 512,
		RegistrySize:   128,
		DeliveryMode:   hub.Broadcast,
		MaxFrameSize:   itoml.Size(16 << 20),
	}
	if diff := cmp.Diff(exp, c.Relay); diff != "" {
		t.Fatalf("unexpected relay config: -want/+got\n%s", diff)
	}
	require.Equal(t, ":9273", c.Metrics.BindAddress)

	expPublishers := []config.Endpoint{
		{
			Address:      "upstream:55555",
			InitSequence: itoml.HexBytes{0xfc, 0xff, 0xff, 0xff, 0, 0, 0, 0},
			Queries: []config.Query{{
				Delay:  itoml.Duration(time.Second),
				Period: itoml.Duration(2 * time.Second),
				JSON:   `[{"FindEntity": {"class": "drone"}}]`,
			}},
		},
		{Address: ":55556", Mode: config.Listen},
	}
	if diff := cmp.Diff(expPublishers, c.Publishers); diff != "" {
		t.Fatalf("unexpected publishers: -want/+got\n%s", diff)
	}

	expSubscribers := []config.Endpoint{
		{Address: "vdms-a:55555", Fields: []string{"FindEntity", "AddEntity"}, Match: filter.All},
		{Address: "vdms-b:55555"},
	}
	if diff := cmp.Diff(expSubscribers, c.Subscribers); diff != "" {
		t.Fatalf("unexpected subscribers: -want/+got\n%s", diff)
	}
}

func TestConfig_FromTomlFile(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "queryrelayd.toml")
	require.NoError(t, os.WriteFile(fpath, []byte(testConfig), 0600))

	c := config.NewConfig()
	require.NoError(t, c.FromTomlFile(fpath))
	require.Len(t, c.Subscribers, 2)

	err := config.NewConfig().FromTomlFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Equal(t, queryrelay.EConfig, queryrelay.ErrorCode(err))
}

func TestConfig_UnknownKeys(t *testing.T) {
	c := config.NewConfig()
	err := c.FromToml("[relay]\nmailbox-sise = 3\n")
	require.Equal(t, queryrelay.EConfig, queryrelay.ErrorCode(err))
	require.Contains(t, err.Error(), "relay.mailbox-sise")
}

func TestConfig_Defaults(t *testing.T) {
	c := config.NewConfig()
	require.Equal(t, worker.DefaultMailboxSize, c.Relay.MailboxSize)
	require.Equal(t, 256, c.Relay.RelayQueueSize)
	require.Equal(t, 256, c.Relay.RegistrySize)
	require.Equal(t, hub.Targeted, c.Relay.DeliveryMode)
	require.Equal(t, itoml.Size(256<<20), c.Relay.MaxFrameSize)

	hc := c.HubConfig()
	if diff := cmp.Diff(hub.NewConfig(), hc); diff != "" {
		t.Fatalf("unexpected hub config: -want/+got\n%s", diff)
	}
}

func TestConfig_Validate(t *testing.T) {
	c := config.NewConfig()
	c.Relay.MailboxSize = 0
	c.Relay.RegistrySize = 1
	c.Publishers = []config.Endpoint{
		{Address: "no-port", Fields: []string{"FindEntity"}},
		{Address: "up:1", Match: filter.All, Queries: []config.Query{{JSON: "not json"}}},
		{Address: "up:2", Queries: []config.Query{
			{Cron: "whenever", JSON: `[{"FindEntity": {}}]`},
			{Cron: "* * * * *", Period: itoml.Duration(time.Second), JSON: `[{"FindEntity": {}}]`},
		}},
	}
	c.Subscribers = []config.Endpoint{
		{Address: "", Mode: "carrier-pigeon", Queries: []config.Query{{JSON: "[{}]"}}},
		{Address: "down:1", InitSequence: itoml.HexBytes{0xfc, 0xff}},
	}

	err := c.Validate()
	require.Error(t, err)
	require.Equal(t, queryrelay.EConfig, queryrelay.ErrorCode(err))
	require.True(t, queryrelay.IsFatal(err))

	for _, want := range []string{
		"relay.mailbox-size must be positive",
		"relay.registry-size must be at least 2",
		`publisher[0]: invalid address "no-port"`,
		"publisher[0]: fields only apply to subscribers",
		"publisher[1]: match only applies to subscribers",
		"publisher[1].query[0]: invalid json",
		`publisher[2].query[0]: invalid cron expression "whenever"`,
		"publisher[2].query[1]: cron cannot be combined with delay or period",
		"subscriber[0]: address is required",
		`subscriber[0]: unknown mode "carrier-pigeon"`,
		"subscriber[0]: scheduled queries only apply to publishers",
		"subscriber[1]: init-sequence must hold at least the 4 byte length prefix, got 2 bytes",
	} {
		require.True(t, strings.Contains(err.Error(), want), "missing %q in:\n%s", want, err)
	}
}

func TestConfig_ValidateRequiresEndpoints(t *testing.T) {
	err := config.NewConfig().Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least one publisher endpoint is required")
	require.Contains(t, err.Error(), "at least one subscriber endpoint is required")
}

func TestParseEndpointList(t *testing.T) {
	got, err := config.ParseEndpointList(" a:1, b:2,,[::1]:3 ")
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2", "[::1]:3"}, got)

	got, err = config.ParseEndpointList("")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = config.ParseEndpointList("a:1,b")
	require.Equal(t, queryrelay.EConfig, queryrelay.ErrorCode(err))
}

func TestConfig_AddEndpoints(t *testing.T) {
	c := config.NewConfig()
	require.NoError(t, c.AddEndpoints(queryrelay.Publisher, "up:1"))
	require.NoError(t, c.AddEndpoints(queryrelay.Subscriber, "down:1,down:2"))
	require.NoError(t, c.Validate())

	require.Equal(t, []config.Endpoint{{Address: "up:1", Mode: config.Dial}}, c.Publishers)
	require.Len(t, c.Subscribers, 2)
	require.Equal(t, config.Dial, c.Subscribers[1].Mode)
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	c := config.NewConfig()
	require.NoError(t, c.FromToml(testConfig))

	env := map[string]string{
		"QUERYRELAYD_RELAY_DELIVERY_MODE":       "targeted",
		"QUERYRELAYD_RELAY_MAX_FRAME_SIZE":      "1m",
		"QUERYRELAYD_LOGGING_LEVEL":             "warn",
		"QUERYRELAYD_SUBSCRIBER_1_FIELDS":       "AddImage",
		"QUERYRELAYD_PUBLISHER_0_QUERY_0_DELAY": "5s",
	}
	require.NoError(t, c.ApplyEnvOverrides(func(k string) string { return env[k] }))

	require.Equal(t, hub.Targeted, c.Relay.DeliveryMode)
	require.Equal(t, itoml.Size(1<<20), c.Relay.MaxFrameSize)
	require.Equal(t, zapcore.WarnLevel, c.Logging.Level)
	require.Equal(t, []string{"AddImage"}, c.Subscribers[1].Fields)
	require.Equal(t, itoml.Duration(5*time.Second), c.Publishers[0].Queries[0].Delay)

	env = map[string]string{"QUERYRELAYD_RELAY_DELIVERY_MODE": "multicast"}
	err := c.ApplyEnvOverrides(func(k string) string { return env[k] })
	require.Equal(t, queryrelay.EConfig, queryrelay.ErrorCode(err))
}

func TestConfig_WorkerConfig(t *testing.T) {
	c := config.NewConfig()
	require.NoError(t, c.FromToml(testConfig))
	metrics := worker.NewMetrics()

	pc := c.WorkerConfig(c.Publishers[0], metrics)
	require.Equal(t, 64, pc.MailboxSize)
	require.Equal(t, uint32(16<<20), pc.Codec.MaxFrameSize)
	require.NotNil(t, pc.Init)
	require.Equal(t, uint32(0xfffffffc), pc.Init.Len())
	require.Equal(t, []byte{0, 0, 0, 0}, pc.Init.Payload)
	require.Nil(t, pc.Fields)
	require.Same(t, metrics, pc.Metrics)

	sc := c.WorkerConfig(c.Subscribers[0], metrics)
	require.Nil(t, sc.Init)
	require.Equal(t, []string{"AddEntity", "FindEntity"}, sc.Fields.Fields())
	require.Equal(t, filter.All, sc.Match)
	require.Equal(t, filter.Any, c.WorkerConfig(c.Subscribers[1], metrics).Match)

	schedules := c.Publishers[0].Schedules()
	require.Len(t, schedules, 1)
	require.Equal(t, time.Second, schedules[0].Delay)
	require.Equal(t, 2*time.Second, schedules[0].Period)
	require.Nil(t, c.Publishers[1].Schedules())
}
