// Command sensorhubd hosts the sensorhub runtime as a standalone
// process: load configuration, load plugins, and run the update loop
// until interrupted. Structure follows xtaci-kcptun/server/main.go
// (flags -> config -> run loop).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	sensorhub "github.com/sagernet/sensorhub"
)

func main() {
	app := cli.NewApp()
	app.Name = "sensorhubd"
	app.Usage = "host plugins and broker sensor streams to clients"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "sensorhub.json",
			Usage: "path to a JSON config file (severity_level, plugin_directory, frame_bin_slot_count)",
		},
		cli.StringFlag{
			Name:  "plugin-dir",
			Usage: "override plugin_directory from the config file",
		},
		cli.DurationFlag{
			Name:  "update-interval",
			Value: 33 * time.Millisecond,
			Usage: "interval between plugin update() ticks",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sensorhubd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := sensorhub.DefaultConfig()
	if path := c.String("config"); path != "" {
		if loaded, err := sensorhub.LoadConfig(path); err == nil {
			cfg = loaded
		} else {
			fmt.Fprintln(os.Stderr, "sensorhubd: no config at", path, "- using defaults:", err)
		}
	}
	if dir := c.String("plugin-dir"); dir != "" {
		cfg.PluginDirectory = dir
	}

	ctx, err := sensorhub.NewContext(cfg)
	if err != nil {
		return err
	}
	ctx.Initialize()
	defer ctx.Terminate()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	ctx.RunUpdateLoop(c.Duration("update-interval"), stop)
	return nil
}
