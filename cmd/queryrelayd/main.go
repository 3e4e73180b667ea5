package main

import (
	"context"
	"fmt"
	"os"

	"github.com/influxdata/queryrelay/cmd/queryrelayd/launcher"
	"github.com/influxdata/queryrelay/kit/signals"
	"github.com/spf13/viper"
)

func main() {
	ctx := signals.WithStandardSignals(context.Background())

	cmd, err := launcher.NewCommand(ctx, viper.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
