package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hnakamur/mapscale/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueDeliversEachJobOnce(t *testing.T) {
	ctx := testContext(t)
	logger := testLogger()
	q, err := ListenWorkQueue(loopback, testConfig(), logger)
	require.NoError(t, err)
	defer q.Close()

	const nJobs = 30
	const nWorkers = 3

	var mu sync.Mutex
	seen := make(map[uint64]int)
	var wg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		p, err := DialWorkQueue(ctx, q.Addr(), fmt.Sprintf("worker%d", i), testConfig(), logger)
		require.NoError(t, err)
		defer p.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
				job, err := p.Receive(rctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < nJobs; i++ {
		require.NoError(t, q.Send(ctx, &msg.Job{ID: uint64(i)}))
	}
	wg.Wait()

	require.Len(t, seen, nJobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d delivered %d times", id, n)
	}
}

func TestWorkQueueHoldsJobsUntilWorkerIsReady(t *testing.T) {
	ctx := testContext(t)
	logger := testLogger()
	q, err := ListenWorkQueue(loopback, testConfig(), logger)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Send(ctx, &msg.Job{ID: 3, Payload: []byte{0x2a}}))

	p, err := DialWorkQueue(ctx, q.Addr(), "late", testConfig(), logger)
	require.NoError(t, err)
	defer p.Close()

	job, err := p.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), job.ID)
	assert.Equal(t, []byte{0x2a}, job.Payload)
}

func TestWorkPullerGetsNothingWithoutCredit(t *testing.T) {
	ctx := testContext(t)
	logger := testLogger()
	q, err := ListenWorkQueue(loopback, testConfig(), logger)
	require.NoError(t, err)
	defer q.Close()

	p, err := DialWorkQueue(ctx, q.Addr(), "idle", testConfig(), logger)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, q.Send(ctx, &msg.Job{ID: 0}))
	select {
	case job := <-p.C():
		t.Fatalf("unexpected job %d without credit", job.ID)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, p.Ready(ctx))
	select {
	case job := <-p.C():
		assert.Equal(t, uint64(0), job.ID)
	case <-ctx.Done():
		t.Fatal("job not delivered after credit")
	}
}

func TestWorkQueueClosed(t *testing.T) {
	ctx := testContext(t)
	q, err := ListenWorkQueue(loopback, testConfig(), testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err = q.Send(ctx, &msg.Job{})
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestWorkPullerTimeout(t *testing.T) {
	ctx := testContext(t)
	logger := testLogger()
	q, err := ListenWorkQueue(loopback, testConfig(), logger)
	require.NoError(t, err)
	defer q.Close()

	p, err := DialWorkQueue(ctx, q.Addr(), "w", testConfig(), logger)
	require.NoError(t, err)
	defer p.Close()

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Receive(rctx)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}
