// Package task defines the worker-side task entity and its state enum.
//
// A TaskState is pure bookkeeping: it records what the worker currently
// knows about one key (its state, priority, dependency edges, replica
// locations, byte size). All mutation happens inside the worker engine's
// single event-handling goroutine; TaskState itself carries no locks.
package task
