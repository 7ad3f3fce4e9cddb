package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale"
	"github.com/hnakamur/mapscale/workfn"
)

type mapRequest struct {
	Params []float64 `json:"params"`
}

type mapResult struct {
	Value *float64 `json:"value,omitempty"`
	Error string   `json:"error,omitempty"`
}

type mapResponse struct {
	BatchID string      `json:"batch_id"`
	Results []mapResult `json:"results"`
}

func newMapResponse(outcomes []mapscale.Outcome[float64]) *mapResponse {
	res := &mapResponse{
		BatchID: uuid.NewString(),
		Results: make([]mapResult, len(outcomes)),
	}
	for i, o := range outcomes {
		if o.Err != nil {
			res.Results[i].Error = o.Err.Error()
			continue
		}
		v := o.Value
		res.Results[i].Value = &v
	}
	return res
}

type batchRunner interface {
	Submit(ctx context.Context, payloads []float64) ([]mapscale.Outcome[float64], error)
}

func serveMapFunc(d batchRunner, timeout time.Duration, logger *ltsvlog.LTSVLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/map" {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		var v mapRequest
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		// An interrupted batch breaks the dispatcher, so a client hanging
		// up must not cancel it. Only -timeout bounds a batch.
		ctx := context.WithoutCancel(r.Context())
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		outcomes, err := d.Submit(ctx, v.Params)
		switch {
		case errors.Is(err, mapscale.ErrBatchInProgress):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		case errors.Is(err, mapscale.ErrChannelTimeout):
			logger.Err(err)
			http.Error(w, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
			return
		case err != nil:
			logger.Err(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newMapResponse(outcomes)); err != nil {
			logger.Err(err)
		}
	}
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	addr := fs.String("addr", ":8080", "http service address")
	workers := fs.Int("workers", 2, "number of local workers")
	remote := fs.Int("remote", 0, "number of remote workers to wait for before serving")
	work := fs.String("work", "square", "work function: "+strings.Join(workfn.Names(), ", "))
	timeout := fs.Duration("timeout", 0, "deadline of one batch, 0 for none")
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	fn, err := workfn.Lookup(*work, logger)
	if err != nil {
		return err
	}

	ctx, cancel := withSignal(context.Background())
	defer cancel()
	d, err := mapscale.New[float64, float64](ctx, fn, *workers, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		d.Shutdown()
		if err := d.Wait(); err != nil {
			logger.Err(err)
		}
	}()
	if *remote > 0 {
		ep := d.Endpoints()
		logger.Info().String("msg", "waiting for remote workers").
			Int("count", *remote).
			String("work_addr", ep.Work).
			String("result_addr", ep.Result).
			String("control_addr", ep.Control).Log()
		if err := d.AddRemoteWorkers(ctx, *remote); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/map", serveMapFunc(d, *timeout, logger))
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		logger.Info().String("msg", "got interrupt").Log()
		sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer scancel()
		srv.Shutdown(sctx)
	}()

	logger.Info().String("msg", "server start listening").
		String("address", *addr).Log()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
