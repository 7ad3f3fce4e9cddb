package fabric

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/hnakamur/ltsvlog"
)

const loopback = "127.0.0.1:0"

func testLogger() *ltsvlog.LTSVLogger {
	return ltsvlog.NewLTSVLogger(io.Discard, false)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseGrace = 200 * time.Millisecond
	return cfg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
