package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	Version = "dev"
)

const (
	exitPass    = 0
	exitFail    = 1
	exitConfig  = 2
	exitRuntime = 3
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		// cli.Exit errors have already been handled by the app.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitRuntime)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "routecheck",
		Usage:   "verify that a PostgreSQL proxy routes reads and writes to the right backends",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML/JSON/TOML config file",
				EnvVars: []string{"ROUTECHECK_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load before reading the environment (default: ./.env if present)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"o"},
				Usage:   "output format: text, json or yaml",
				Value:   "text",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run every probe once and exit non-zero unless all of them were routed as expected",
				Action: runAction,
			},
			{
				Name:   "watch",
				Usage:  "run the probes periodically and export metrics",
				Action: watchAction,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "time between runs (overrides run.interval)",
					},
				},
			},
			{
				Name:   "discover",
				Usage:  "print the backend role map reported by SHOW pool_nodes",
				Action: discoverAction,
			},
		},
		DefaultCommand: "run",
	}
}
