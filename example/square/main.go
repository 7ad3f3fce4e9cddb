// Square squares 0..4 with two workers and prints [0 1 4 9 16].
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hnakamur/ltsvlog"
	"github.com/hnakamur/mapscale"
	"github.com/hnakamur/mapscale/worker"
)

func square(ctx context.Context, x int) (int, error) {
	return x * x, nil
}

func main() {
	logger := ltsvlog.NewLTSVLogger(os.Stderr, false)
	ctx := context.Background()

	d, err := mapscale.New[int, int](ctx, worker.Func[int, int](square), 2, mapscale.EphemeralConfig(), logger)
	if err != nil {
		logger.Err(err)
		os.Exit(1)
	}
	defer func() {
		d.Shutdown()
		d.Wait()
	}()

	squares, err := d.Map(ctx, []int{0, 1, 2, 3, 4})
	if err != nil {
		logger.Err(err)
		return
	}
	fmt.Println(squares)
}
