package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hnakamur/mapscale"
	"github.com/hnakamur/mapscale/workfn"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

type benchResult struct {
	dispatchers int
	workers     int
	batches     int
	jobs        int
	total       time.Duration
	latencies   []time.Duration
	failedJobs  int
}

func benchCmd(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	common := addCommonFlags(fs)
	workers := fs.Int("workers", 4, "local workers per dispatcher")
	parallel := fs.Int("parallel", 1, "dispatchers running side by side")
	batches := fs.Int("batches", 50, "batches per dispatcher")
	size := fs.Int("size", 100, "jobs per batch")
	work := fs.String("work", "square", "work function: "+strings.Join(workfn.Names(), ", "))
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	fn, err := workfn.Lookup(*work, logger)
	if err != nil {
		return err
	}
	if *parallel > 1 {
		// Dispatchers in one process cannot share ports.
		cfg.Ports = mapscale.Ports{}
	}

	ctx, cancel := withSignal(context.Background())
	defer cancel()

	bold.Println("Running batches...")
	bar := progressbar.NewOptions(*parallel**batches,
		progressbar.OptionSetDescription(fmt.Sprintf("%s x%d", *work, *size)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	payloads := make([]float64, *size)
	for i := range payloads {
		payloads[i] = float64(i)
	}

	res := benchResult{
		dispatchers: *parallel,
		workers:     *workers,
		batches:     *parallel * *batches,
		jobs:        *parallel * *batches * *size,
	}
	var mu sync.Mutex
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < *parallel; p++ {
		g.Go(func() error {
			d, err := mapscale.New[float64, float64](gctx, fn, *workers, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				d.Shutdown()
				d.Wait()
			}()
			for i := 0; i < *batches; i++ {
				t := time.Now()
				outcomes, err := d.Submit(gctx, payloads)
				if err != nil {
					return err
				}
				elapsed := time.Since(t)
				failed := 0
				for _, o := range outcomes {
					if o.Err != nil {
						failed++
					}
				}
				mu.Lock()
				res.latencies = append(res.latencies, elapsed)
				res.failedJobs += failed
				mu.Unlock()
				bar.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	res.total = time.Since(start)
	bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}
	return renderBench(res)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func renderBench(res benchResult) error {
	slices.Sort(res.latencies)
	jobsPerSec := float64(res.jobs) / res.total.Seconds()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Dispatchers", "Workers", "Batches", "Jobs", "Total Time", "Jobs/sec", "P50", "P95", "P99")
	err := table.Append(
		strconv.Itoa(res.dispatchers),
		strconv.Itoa(res.workers),
		strconv.Itoa(res.batches),
		strconv.Itoa(res.jobs),
		res.total.Round(time.Millisecond).String(),
		strconv.FormatFloat(jobsPerSec, 'f', 0, 64),
		percentile(res.latencies, 0.50).Round(time.Microsecond).String(),
		percentile(res.latencies, 0.95).Round(time.Microsecond).String(),
		percentile(res.latencies, 0.99).Round(time.Microsecond).String(),
	)
	if err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	if res.failedJobs > 0 {
		red.Printf("%d jobs failed\n", res.failedJobs)
	} else {
		green.Printf("all %d jobs succeeded\n", res.jobs)
	}
	return nil
}
