// Package ledger keeps an audit trail in SQLite: one row per issued license
// and one row per verification attempt. The ledger is informational; license
// validity never depends on it.
package ledger
