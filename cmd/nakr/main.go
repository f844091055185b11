package main

import (
	"fmt"
	"os"

	"github.com/Hubmakerlabs/outboxr/pkg/slog"
	"github.com/urfave/cli/v2"
)

var log, chk = slog.New(os.Stderr)

var app = &cli.App{
	Name:  "nakr",
	Usage: "query and publish through the outbox engine from the command line",
	Commands: []*cli.Command{
		req,
		publish,
		relays,
		getRelayInfo,
		decode,
	},
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "silent",
			Usage:   "do not print logs and info messages to stderr",
			Aliases: []string{"s"},
			Action: func(ctx *cli.Context, b bool) error {
				if b {
					slog.SetLogLevel(slog.Off)
				}
				return nil
			},
		},
		&cli.StringFlag{
			Name:  "loglevel",
			Usage: "set log level [off,fatal,error,warn,info,debug,trace]",
			Action: func(ctx *cli.Context, s string) error {
				slog.SetLogLevel(slog.ParseLevel(s))
				return nil
			},
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
