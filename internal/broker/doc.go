// Package broker routes direct messages and correlated tool calls.
//
// # Request/Response Correlation
//
// A ToolCall enters the pending table keyed by its correlation id, then
// travels to the target agent. The matching ToolResult resolves the entry and
// is forwarded to the requester; results for unknown or already-resolved
// correlation ids are logged no-ops, which makes late or duplicate answers
// harmless.
//
// # Timeouts
//
// Every pending request carries a deadline (the caller's timeout_ms or the
// configured default). The periodic sweep synthesizes a ToolResult carrying a
// timeout error for requests past their deadline, so the requester always
// gets exactly one completion. A small grace period absorbs results that race
// the sweep.
//
// # Failure propagation
//
// FailTarget fails every pending request aimed at an agent that died;
// DropRequester discards entries whose requester is gone. During drain,
// SetDraining makes new ToolCalls fail immediately with a shutting_down
// error while in-flight requests run to completion.
package broker
