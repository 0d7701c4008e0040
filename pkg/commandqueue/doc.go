// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane start in FIFO order.
//   - A lane never runs more than its concurrency limit at once.
//   - A started task runs to completion even if the caller stops waiting;
//     Close waits for it.
//   - Queue activity is observable through metrics.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.WithLane("query", 4))
//	defer queue.Close()
//	rows, err := queue.EnqueueWithContext(ctx, "query", func(ctx context.Context) (any, error) {
//		return db.Query(ctx, stmt)
//	})
package commandqueue
