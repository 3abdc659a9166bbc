// Package queue serializes hypervisor operations per target.
//
// Every operation anvil performs against a virtual machine goes through a
// Queue. Entries that share a target ID (normally the VM name) run strictly
// in the order they were enqueued, one at a time. Entries for different
// targets run concurrently unless the queue was built in Global mode, in
// which case every entry shares a single lane.
//
// # Completion delivery
//
// Enqueue never blocks and never invokes the completion itself. The
// completion runs on the lane's goroutine right after its operation returns
// and before the next entry of the same lane starts, so it observes exactly
// the state its own operation produced.
//
// Failures are delivered through Result.Err using the kinds from
// internal/errdefs. Nothing is retried automatically.
//
// # Draining
//
// Wait blocks until every pending entry, including entries enqueued from
// completions while draining, has completed. Calling Wait from inside a
// completion deadlocks.
//
// # Futures
//
// Submit wraps Enqueue and returns a typed Future:
//
//	f := queue.Submit(q, "engine-1", "probe", func(ctx context.Context) (vm.State, error) {
//		return backend.Probe(ctx, "engine-1")
//	})
//	state, err := f.Wait(ctx)
package queue
