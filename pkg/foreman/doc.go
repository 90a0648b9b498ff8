// Package foreman implements a supervisor for a pool of isolated worker
// processes: task dispatch over per-worker message channels, periodic
// health probing, per-worker circuit breaking, rate-limited crash restarts,
// graceful drain and zero-downtime rolling replacement.
//
// All mutable state (the worker set, the pending-task queue, breaker and
// restart bookkeeping) is confined to a single event loop. Public
// operations and per-worker reader goroutines hand closures to that loop,
// so there is no lock ordering to reason about and no race between "a
// worker just became idle" and "a worker just died".
//
// Basic usage:
//
//	spawner := proc.NewLocalSpawner(func(ctx context.Context, payload interface{}) (interface{}, error) {
//		return compress(payload)
//	})
//	f, err := foreman.New(&foreman.Config{PoolSize: 4, Spawner: spawner})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := f.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	ticket, err := f.Submit(ctx, payload)
//	if err != nil {
//		log.Fatal(err)
//	}
//	res, err := ticket.Future.Wait(ctx)
//
// The actual work a worker performs is outside this package: a worker is
// anything satisfying the proc.Spawner and proc.Process contracts.
package foreman
