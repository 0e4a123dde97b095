package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/weightfs/weightfs/internal/pattern"
)

func classifyCmd() *cli.Command {
	var (
		tracePath  string
		window     int64
		minSamples int64
	)

	return &cli.Command{
		Name:  "classify",
		Usage: "Classify the access pattern of a request trace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "trace",
				Aliases:     []string{"t"},
				Usage:       "request trace file, - for stdin",
				Destination: &tracePath,
				Required:    true,
			},
			&cli.IntFlag{Name: "window", Usage: "sliding window size", Value: pattern.DefaultWindowSize, Destination: &window},
			&cli.IntFlag{Name: "min-samples", Usage: "samples required before classification", Value: pattern.DefaultMinSamples, Destination: &minSamples},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			trace, err := readTrace(tracePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read trace: %v", err), 1)
			}
			if len(trace) == 0 {
				return cli.Exit("error: trace is empty", 1)
			}

			d := pattern.NewDetector(int(window), int(minSamples))
			for _, id := range trace {
				d.Record(id)
			}

			section("Classification")
			row("trace_length", fmt.Sprintf("%d", len(trace)))
			row("window", fmt.Sprintf("%d", window))
			row("samples_in_window", fmt.Sprintf("%d", len(d.Window())))
			row("pattern", string(d.Classify()))
			return nil
		},
	}
}
