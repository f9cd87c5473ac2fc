// Package worker implements the task state machine that runs on each
// cluster worker: tracking what every known task is doing, reacting to
// scheduler requests and async operation results, and deciding what to
// fetch from peers and what to execute next.
//
// The core type is Machine, a pure state container. HandleStimulus takes
// one event, drains the resulting recommendations to a fixed point, and
// returns the instructions to act on. Machine never performs I/O.
//
// Worker wraps a Machine in a single-writer run loop: events are enqueued
// from any goroutine, processed strictly in FIFO order by one goroutine,
// and the instructions are dispatched to the transport and executor. Task
// state never mutates across two interleaved event-handling calls.
package worker
