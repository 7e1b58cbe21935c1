// Package scheduler turns schedules into engine tasks: one-off timers for
// single reminders, cron rules for weekly reminders, and fixed intervals for
// the refresh cycle. It only triggers; execution happens in the engine.
package scheduler
