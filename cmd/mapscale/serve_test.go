package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outcomes []mapscale.Outcome[float64]
	err      error
	got      []float64
}

func (f *fakeRunner) Submit(ctx context.Context, payloads []float64) ([]mapscale.Outcome[float64], error) {
	f.got = payloads
	return f.outcomes, f.err
}

func postMap(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/map", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeMap(t *testing.T) {
	logger := ltsvlog.NewLTSVLogger(io.Discard, false)
	runner := &fakeRunner{outcomes: []mapscale.Outcome[float64]{
		{Value: 4},
		{Err: &mapscale.JobError{JobID: 1, Message: "sqrt of negative number -1", Err: mapscale.ErrWorkFunctionFailed}},
	}}
	h := serveMapFunc(runner, time.Second, logger)

	rec := postMap(t, h, `{"params": [16, -1]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []float64{16, -1}, runner.got)

	var res mapResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEmpty(t, res.BatchID)
	require.Len(t, res.Results, 2)
	require.NotNil(t, res.Results[0].Value)
	assert.Equal(t, 4.0, *res.Results[0].Value)
	assert.Nil(t, res.Results[1].Value)
	assert.Equal(t, "job 1: sqrt of negative number -1", res.Results[1].Error)
}

func TestServeMapErrors(t *testing.T) {
	logger := ltsvlog.NewLTSVLogger(io.Discard, false)

	busy := serveMapFunc(&fakeRunner{err: mapscale.ErrBatchInProgress}, 0, logger)
	assert.Equal(t, http.StatusConflict, postMap(t, busy, `{"params": [1]}`).Code)

	slow := serveMapFunc(&fakeRunner{err: mapscale.ErrChannelTimeout}, 0, logger)
	assert.Equal(t, http.StatusGatewayTimeout, postMap(t, slow, `{"params": [1]}`).Code)

	ok := serveMapFunc(&fakeRunner{}, 0, logger)
	assert.Equal(t, http.StatusBadRequest, postMap(t, ok, `{"params": "x"}`).Code)

	req := httptest.NewRequest(http.MethodGet, "/map", nil)
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/other", nil)
	rec = httptest.NewRecorder()
	ok.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// breakableRunner fails every batch after one whose context was cancelled,
// the way a dispatcher does.
type breakableRunner struct {
	broken error
}

func (b *breakableRunner) Submit(ctx context.Context, payloads []float64) ([]mapscale.Outcome[float64], error) {
	if b.broken != nil {
		return nil, b.broken
	}
	select {
	case <-ctx.Done():
		b.broken = ctx.Err()
		if errors.Is(b.broken, context.DeadlineExceeded) {
			b.broken = mapscale.ErrChannelTimeout
		}
		return nil, b.broken
	case <-time.After(20 * time.Millisecond):
	}
	outcomes := make([]mapscale.Outcome[float64], len(payloads))
	for i, p := range payloads {
		outcomes[i].Value = p * p
	}
	return outcomes, nil
}

func TestServeMapSurvivesClientHangup(t *testing.T) {
	logger := ltsvlog.NewLTSVLogger(io.Discard, false)
	h := serveMapFunc(&breakableRunner{}, time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/map", strings.NewReader(`{"params": [2]}`)).WithContext(ctx)
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := postMap(t, h, `{"params": [3]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp mapResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].Value)
	assert.Equal(t, 9.0, *resp.Results[0].Value)
}

func TestServeMapTimeoutStillApplies(t *testing.T) {
	logger := ltsvlog.NewLTSVLogger(io.Discard, false)
	runner := &breakableRunner{}
	h := serveMapFunc(runner, time.Millisecond, logger)
	assert.Equal(t, http.StatusGatewayTimeout, postMap(t, h, `{"params": [1]}`).Code)
	assert.ErrorIs(t, runner.broken, mapscale.ErrChannelTimeout)
}

func TestReadNumbers(t *testing.T) {
	got, err := readNumbers([]string{"1", "2.5", "-3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, -3}, got)

	got, err = readNumbers(nil, strings.NewReader("4 5\n6"))
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5, 6}, got)

	_, err = readNumbers([]string{"1", "x"}, nil)
	assert.ErrorContains(t, err, "argument 2")
}

func TestPrintOutcomes(t *testing.T) {
	var buf bytes.Buffer
	err := printOutcomes(&buf, "sqrt", []float64{4, -1}, []mapscale.Outcome[float64]{
		{Value: 2},
		{Err: &mapscale.JobError{JobID: 1, Message: "sqrt of negative number -1", Err: mapscale.ErrWorkFunctionFailed}},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "sqrt of negative number -1")
	assert.Contains(t, out, "1 of 2 jobs failed")
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
	assert.Equal(t, time.Duration(5), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(10), percentile(sorted, 1))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}
