// Package ledger is the authoritative Postgres state store: campaign
// documents, the per-(campaign, contact) delivery ledger, the append-only
// engagement event log, inbound replies, and the contact directory.
//
// Every transition is a targeted UPDATE on the composite key guarded by the
// current state, so job redelivery and webhook replays collapse into no-ops.
// Counters elsewhere (the Redis meta cache) are advisory projections of what
// lives here.
package ledger
