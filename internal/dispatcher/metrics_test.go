package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/eniac111/plumbgate/internal/metrics"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRunMetrics(t *testing.T) {
	d := newDispatcher(t, Config{})
	success := metrics.Invocations.WithLabelValues(string(types.StatusSuccess))
	opened := metrics.GateOpens.WithLabelValues("ok")

	beforeSuccess := testutil.ToFloat64(success)
	beforeOpened := testutil.ToFloat64(opened)
	beforeLive := testutil.ToFloat64(metrics.LiveGates)

	report := d.Run(context.Background(), localTargets(2), shell, cmdRef(), Options{})
	require.Empty(t, report.Unreachable())

	require.Equal(t, beforeSuccess+2, testutil.ToFloat64(success))
	require.Equal(t, beforeOpened+2, testutil.ToFloat64(opened))
	require.Equal(t, beforeLive+2, testutil.ToFloat64(metrics.LiveGates))

	require.NoError(t, d.Close())
	require.Equal(t, beforeLive, testutil.ToFloat64(metrics.LiveGates))
}

func TestConcurrentRunsShareOneGate(t *testing.T) {
	d := newDispatcher(t, Config{})
	targets := localTargets(1)
	beforeLive := testutil.ToFloat64(metrics.LiveGates)

	var wg sync.WaitGroup
	reports := make([]types.Report, 8)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = d.Run(context.Background(), targets, shell, cmdRef(), Options{})
		}(i)
	}
	wg.Wait()

	for _, report := range reports {
		require.Equal(t, types.StatusSuccess, report.Results["t1"].Status, report.Results["t1"].Msg)
	}
	require.Equal(t, beforeLive+1, testutil.ToFloat64(metrics.LiveGates))
	require.Len(t, d.pool, 1)

	require.NoError(t, d.Close())
	require.Equal(t, beforeLive, testutil.ToFloat64(metrics.LiveGates))
}
