// Package ledger records cluster lifecycle events in a sqlite audit log.
// Entries never contain message payloads; only who changed state and when.
package ledger
