package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resi-labs-ai/resi-labs-api/async"
)

func TestRunEvery(t *testing.T) {
	var calls int64
	ctx, cancel := context.WithCancel(context.Background())
	async.RunEvery(ctx, 10*time.Millisecond, func() {
		atomic.AddInt64(&calls, 1)
	})
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	settled := atomic.LoadInt64(&calls)
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt64(&calls), settled+1, "loop kept running after cancel")
}
