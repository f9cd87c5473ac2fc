// Package protocol defines the typed events and instructions that flow
// through the worker state machine, together with their wire encoding.
//
// Events are inputs: scheduler requests (compute-task, acquire-replicas,
// free-keys), execution results, gather results, and data injection.
// Instructions are outputs: gather/execute commands for the runtime loop
// and messages destined for the scheduler.
//
// Every concrete event and instruction is an immutable record with a fixed
// field set. The wire contract is a plain dict (map[string]any) carrying a
// "cls" discriminator for events and an "op" discriminator for instructions.
// Decoding is strict: an unknown discriminator or an unexpected field is an
// error, never silently dropped.
//
// Large payload fields (run_spec, value, data, exception, traceback) are
// stripped by the loggable projection before an event is written to the
// story log. The projection copies; it never mutates the original event.
//
// Dict encoding uses a deterministic JSON form: object keys sorted by
// UTF-16 code units, NFC-normalized strings, no HTML escaping. Byte-equal
// encodings for equal events make golden-file comparison reliable.
package protocol
