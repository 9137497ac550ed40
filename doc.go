// Package chatwit provides the scheduled-publish dispatcher behind Chatwit's post scheduling.
//
// Scheduled posts (agendamentos) are published by jobs that run at a future time. Jobs are keyed by a unique
// fingerprint so that they can be enqueued idempotently, cancelled or rescheduled when the underlying record
// changes, and replayed from the dead jobs queue after their retries are exhausted.
//
// Queue durability is implemented with modular backends: an in-memory backend, a Postgres backend and a Redis
// backend are provided.
package chatwit
