package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-pagedattn/internal/flightsvc"
	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/tensorio"
)

func clientCmd() *cli.Command {
	var (
		addr, input, output string
		timeout             time.Duration
		asJSON              bool
	)

	return &cli.Command{
		Name:  "client",
		Usage: "Send a problem file to a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "server address (default from config)", Destination: &addr},
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "problem file", Value: "problem.arrow", Destination: &input},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the output tensor to this file", Destination: &output},
			&cli.DurationFlag{Name: "timeout", Usage: "request timeout", Value: 30 * time.Second, Destination: &timeout},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON summary", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.IsSet("addr") {
				addr = cfg.FlightAddr
			}
			in, err := loadInputs(input)
			if err != nil {
				return err
			}

			client, err := flightsvc.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()
			client.SetTimeout(timeout)

			start := time.Now()
			out, id, err := client.Attention(ctx, in)
			if err != nil {
				return err
			}
			summary := newSummary(input, cfg, out, time.Since(start))
			summary.RunID = id

			if output != "" {
				if err := tensorio.SaveFile(output, tensorio.NewFrame().Add(tensorio.NameOut, out)); err != nil {
					return err
				}
				logger.Log.Info("output written", "path", output, "request_id", id)
			}
			return printSummary(summary, asJSON)
		},
	}
}
