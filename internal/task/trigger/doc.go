// Package trigger fires configured jobs into the throttled scheduler on cron
// or interval schedules. It never runs work itself: every firing is an
// Enqueue keyed by the schedule name.
package trigger
