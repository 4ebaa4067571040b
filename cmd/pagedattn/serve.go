package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-pagedattn/internal/flightsvc"
	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/monitoring"
)

func serveCmd() *cli.Command {
	var flightAddr, monitorAddr string
	var maxConcurrent int64

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve paged attention over Arrow Flight with a health endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Flight listen address", Destination: &flightAddr},
			&cli.StringFlag{Name: "monitor", Usage: "health and metrics listen address", Destination: &monitorAddr},
			&cli.Int64Flag{Name: "max-concurrent", Usage: "requests executed at once", Destination: &maxConcurrent},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("addr") {
				cfg.FlightAddr = flightAddr
			}
			if cmd.IsSet("monitor") {
				cfg.MonitorAddr = monitorAddr
			}
			if cmd.IsSet("max-concurrent") {
				cfg.MaxConcurrentRequests = int(maxConcurrent)
			}
			raiseFileLimit(10240)

			opts := cfg.Options()
			hm := monitoring.NewHealthMonitor(version, monitoring.KernelInfo{
				PagesPerComputeBlock: cfg.PagesPerComputeBlock,
				Megacore:             opts.Megacore.String(),
				InlineSeqDim:         cfg.InlineSeqDim,
				ChainCells:           cfg.ChainCells,
			})
			observe := func(r flightsvc.Result) {
				run := monitoring.Run{ID: r.RequestID, Source: "flight", Batch: r.Batch, Duration: r.Duration}
				if r.Err != nil {
					run.Error = r.Err.Error()
				}
				hm.RecordRun(run)
			}

			srv, err := flightsvc.Listen(cfg.FlightAddr, flightsvc.NewService(opts, cfg.MaxConcurrentRequests, observe))
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Serve)
			g.Go(func() error {
				err := hm.Start(gctx, cfg.MonitorAddr)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Log.Info("shutting down")
				srv.Shutdown()
				return nil
			})
			return g.Wait()
		},
	}
}
