// Package dispatch provides the bounded-concurrency Fetch Dispatcher.
//
// A Dispatcher runs one fetch per target with at most Config.Workers fetches
// in flight and returns when every target has an outcome. Outcome i always
// belongs to target i, whatever order the fetches complete in. A failed fetch
// never aborts the batch; it is recorded as OK=false with zero bytes.
//
// Example usage:
//
//	d, err := dispatch.New(fetcher, dispatch.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	outcomes := d.Dispatch(ctx, ids, token)
//	total := dispatch.Sum(outcomes)
//
// Three strategies produce identical results:
//   - StrategyCursor: workers pull indices from a shared atomic cursor. Fast
//     workers claim more indices than slow ones without any balancing logic.
//   - StrategyPool: tasks are submitted to a long-lived Pool shared across
//     batches and joined with AwaitAll.
//   - StrategyFuture: one errgroup task per target, admission limited with
//     SetLimit, joined with Wait.
//
// Every batch reports to an Observer. The default observer exports Prometheus
// metrics and logs batch boundaries; tests inject their own.
package dispatch
