// Package story persists the worker's audit log: every handled stimulus,
// every task state transition, and every data request issued to a peer,
// stamped with a shared logical-clock seq so the streams interleave into
// the exact processing order.
//
// The SQLite-backed Store implements worker.Recorder for production;
// MemoryRecorder implements it for tests and replay verification.
// Replay re-drives the logged stimuli through a fresh machine to prove
// the log is reproducible.
package story
