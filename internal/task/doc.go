// Package task implements the task ledger: the durable record of work
// assigned to agents.
//
// Tasks move pending -> running -> completed|failed, and may be cancelled
// from pending or running. started_at and completed_at are written at most
// once, enforced by the storage update itself. Pending work is handed out
// by priority (urgent first), then by age.
package task
