package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hnakamur/ltsvlog"
)

func clientCmd(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	addr := fs.String("addr", "localhost:8080", "http service address")
	size := fs.Int("size", 5, "jobs per batch")
	count := fs.Int("count", 0, "batches to send, 0 to run until interrupted")
	minDelay := fs.Duration("min-delay", time.Second, "min delay between batches")
	maxDelay := fs.Duration("max-delay", 2*time.Second, "max delay between batches")
	debug := fs.Bool("debug", false, "enable debug logs")
	fs.Parse(args)

	logger := ltsvlog.NewLTSVLogger(os.Stderr, *debug)
	randomDelay := func() time.Duration {
		if *maxDelay <= *minDelay {
			return *minDelay
		}
		return *minDelay + rand.N(*maxDelay-*minDelay)
	}

	ctx, cancel := withSignal(context.Background())
	defer cancel()
	u := url.URL{Scheme: "http", Host: *addr, Path: "/map"}
	logger.Info().String("msg", "sending batches").
		String("address", u.String()).Log()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for sent := 0; *count == 0 || sent < *count; sent++ {
		select {
		case <-ctx.Done():
			logger.Info().String("msg", "interrupt").Log()
			return nil
		case <-timer.C:
		}

		params := make([]float64, *size)
		for i := range params {
			params[i] = float64(rand.IntN(100) - 10)
		}
		res, status, err := postBatch(ctx, u.String(), params)
		switch {
		case err != nil:
			logger.Err(err)
		case status == http.StatusConflict:
			logger.Info().String("msg", "batch in progress, will retry").Log()
		case status != http.StatusOK:
			red.Printf("batch failed: %s\n", http.StatusText(status))
		default:
			bold.Printf("batch %s\n", res.BatchID)
			for i, r := range res.Results {
				if r.Error != "" {
					red.Printf("  %g -> %s\n", params[i], r.Error)
					continue
				}
				fmt.Printf("  %g -> %g\n", params[i], *r.Value)
			}
		}
		timer.Reset(randomDelay())
	}
	return nil
}

func postBatch(ctx context.Context, u string, params []float64) (*mapResponse, int, error) {
	body, err := json.Marshal(&mapRequest{Params: params})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	var res mapResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode map response: %w", err)
	}
	return &res, resp.StatusCode, nil
}
