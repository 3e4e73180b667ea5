package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/influxdata/queryrelay/hub"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestCommand_TypedOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[logging]
  level = "warn"

[relay]
  delivery-mode = "broadcast"
`), 0o600))

	tests := []struct {
		name  string
		args  []string
		env   map[string]string
		level zapcore.Level
		mode  hub.DeliveryMode
	}{
		{
			name:  "config file when unset",
			level: zapcore.WarnLevel,
			mode:  hub.Broadcast,
		},
		{
			name:  "flags",
			args:  []string{"--log-level=debug", "--delivery-mode=targeted"},
			level: zapcore.DebugLevel,
			mode:  hub.Targeted,
		},
		{
			name:  "env",
			env:   map[string]string{"QUERYRELAYD_LOG_LEVEL": "error"},
			level: zapcore.ErrorLevel,
			mode:  hub.Broadcast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			m := NewLauncher()
			m.Getenv = func(string) string { return "" }
			v := viper.New()
			cmd, err := m.command(context.Background(), v)
			require.NoError(t, err)
			require.NoError(t, cmd.ParseFlags(append([]string{"-c", path}, tt.args...)))
			m.recordExplicit(v)

			c, err := m.loadConfig()
			require.NoError(t, err)
			require.Equal(t, tt.level, c.Logging.Level)
			require.Equal(t, tt.mode, c.Relay.DeliveryMode)
		})
	}
}
