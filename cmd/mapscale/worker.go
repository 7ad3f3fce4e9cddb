package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"strconv"
	"strings"

	"github.com/hnakamur/mapscale/worker"
	"github.com/hnakamur/mapscale/workfn"
)

func workerCmd(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	common := addCommonFlags(fs)
	id := fs.String("id", "", "worker ID (random when empty)")
	work := fs.String("work", "square", "work function: "+strings.Join(workfn.Names(), ", "))
	workAddr := fs.String("work-addr", "", "work channel address")
	resultAddr := fs.String("result-addr", "", "result channel address")
	controlAddr := fs.String("control-addr", "", "control channel address")
	rate := fs.Float64("jobs-per-second", 0, "maximum jobs per second, 0 for no limit")
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	fn, err := workfn.Lookup(*work, logger)
	if err != nil {
		return err
	}

	addr := func(flagValue string, port int) string {
		if flagValue != "" {
			return flagValue
		}
		return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	}
	endpoints := worker.Endpoints{
		Work:    addr(*workAddr, cfg.Ports.Work),
		Result:  addr(*resultAddr, cfg.Ports.Result),
		Control: addr(*controlAddr, cfg.Ports.Control),
	}

	wcfg := cfg.Worker
	wcfg.Transport = cfg.Transport
	if *id != "" {
		wcfg.ID = *id
	}
	if *rate > 0 {
		wcfg.JobsPerSecond = *rate
	}

	ctx, cancel := withSignal(context.Background())
	defer cancel()
	w := worker.New[float64, float64](fn, endpoints, wcfg, logger)
	logger.Info().String("msg", "connecting worker").
		String("worker_id", w.ID()).
		String("work", *work).
		String("work_addr", endpoints.Work).
		String("result_addr", endpoints.Result).
		String("control_addr", endpoints.Control).Log()

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().String("msg", "interrupt").
			String("worker_id", w.ID()).Log()
		return nil
	}
	return err
}
