// roomchat-server serves the REST API, the realtime websocket gateway and
// the idle-room cleanup sweep. Settings come from the environment (and
// .env); flags override them.
package main

import (
	"fmt"
	"os"

	"roomchat/internal/app"
	"roomchat/internal/config"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// validated below, once flags have been applied
	cfg, _ := config.Load()

	flagSet := pflag.NewFlagSet("roomchat-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flagSet.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "durable store: postgres or bolt")
	flagSet.StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "bolt database file")
	flagSet.StringVar(&cfg.UploadDir, "upload-dir", cfg.UploadDir, "directory for shared files")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.DurationVar(&cfg.RoomTTL, "room-ttl", cfg.RoomTTL, "delete rooms idle this long")
	flagSet.StringVar(&cfg.CleanupCron, "cleanup-cron", cfg.CleanupCron, "cleanup schedule (cron expression)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return app.Run(cfg)
}
