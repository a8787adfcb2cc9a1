// Package jobq is an in-process job scheduler: prioritized, optionally
// delayed, optionally durable jobs executed by a bounded elastic worker
// pool, with network-availability gating and per-group mutual exclusion.
//
// Jobs implement the job.Job contract and are handed to a Manager:
//
//	m, err := jobq.New(jobq.Config{MaxConsumers: 4})
//	...
//	id, err := m.Submit(5, 0, &uploadJob{})
//
// Failure semantics are retry-by-requeue: a failed run puts the job back
// in its queue with an incremented run count and no backoff; retry
// ceilings belong to the job (see job.RetryPolicy). Durable jobs survive
// process restarts when a persistent queue backend is configured (see
// queue/sqlitequeue, queue/pgqueue, queue/redisqueue).
package jobq
