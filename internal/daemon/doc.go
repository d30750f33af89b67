// Package daemon coordinates the long-running offload process.
//
// It wires the volume monitor, the session controller, the history ledger and
// the event hub into a single lifecycle with flock-based locking to prevent
// multiple instances. The monitor feeds card events into the controller; the
// controller publishes everything to the hub that IPC clients read.
//
// Keep orchestration logic here: copy semantics live in the session,
// transfer and planner packages.
package daemon
