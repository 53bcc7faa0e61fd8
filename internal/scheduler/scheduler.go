// Package scheduler provides the periodic and one-shot timers used by the
// sync loop. Production code runs on Cron; tests drive Manual explicitly.
package scheduler

import "time"

// Handle cancels a scheduled job. Stop is idempotent.
type Handle interface {
	Stop()
}

// Scheduler starts periodic and delayed callbacks and reports the current time.
type Scheduler interface {
	Every(interval time.Duration, job func()) Handle
	After(delay time.Duration, job func()) Handle
	Now() time.Time
}
