package cmd

import (
	"github.com/urfave/cli/v2"
)

const VERSION = "v1.0.0"

var App = &cli.App{
	Name:    "netsec",
	Usage:   "packet policy and intrusion detection core",
	Version: VERSION,
	Commands: []*cli.Command{
		{
			Name:  "run",
			Usage: "replay a packet trace through the pipeline",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "config",
					Usage: "config file path",
				},
				&cli.StringFlag{
					Name:  "trace",
					Usage: "JSON-lines packet trace, '-' for stdin",
					Value: "-",
				},
				&cli.BoolFlag{
					Name:  "quiet",
					Usage: "suppress per-packet verdicts, print stats only",
				},
			},
			Action: run,
		},
		{
			Name:  "check",
			Usage: "validate a config file",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "config",
					Usage:    "config file path",
					Required: true,
				},
			},
			Action: check,
		},
		{
			Name:   "template",
			Usage:  "print the default config",
			Action: template,
		},
	},
}
