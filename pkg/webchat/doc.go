// Package webchat serves live agent turns over HTTP. A submitted prompt runs
// the agent CLI once, the assembler normalizes its stream, and this package
// fans the normalized events out three ways: NDJSON frames on the submitting
// request, broadcast frames to observer websockets, and versioned snapshot
// entities for reconnect hydration.
//
// Ownership model:
//   - Conversations are addressed by conv_id; each owns a run queue, a
//     websocket pool, and one bus reader.
//   - Runs are addressed by run_id; each owns one agent subprocess and one
//     assembler, cancellable via /api/abort.
//   - The stream backend decides transport: in-process fan-out by default,
//     Redis Streams consumer groups when enabled.
package webchat
