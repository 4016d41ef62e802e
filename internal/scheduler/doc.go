// Package scheduler decides when jobs run.
//
// # Overview
//
// The scheduler is trigger-only: on every tick it enqueues the job into the
// run engine and goes back to waiting. Execution, overlap gating and history
// all live in internal/engine, which is also what makes the manual-dispatch
// path identical to the scheduled path — both end in the same Enqueue call.
//
// # Schedule formats
//
// The scheduler accepts multiple schedule syntaxes:
//
//   - Cron expressions: 5-field (min hour dom mon dow), e.g. "10 5 * * *".
//   - Cron descriptors: "@hourly", "@daily", "@every 55m".
//   - Interval durations: Go duration strings like "55m" or "2h30m".
//   - Interval HH:MM: a compact duration format where "00:50" means every 50
//     minutes and "02:30" means every 2 hours 30 minutes.
//
// To force interpretation, callers may prefix the string with "cron:",
// "interval:", or "every:".
//
// Cron expressions are evaluated in the configured timezone.
package scheduler
