// Package timers implements warden's durable deferred-event scheduler.
//
// Feature code schedules an event for a guild/user at an absolute future
// instant; the row is persisted immediately and survives restarts. A single
// loop goroutine sleeps until the soonest pending expiry (or until a
// submission/cancellation changes which timer is soonest), then drains every
// due timer in (expires_at, id) order and dispatches each to the handler
// registered for its event kind.
//
// Firing is a function of the store's contents and wall-clock time, not of
// process uptime: timers that came due while the process was down simply
// satisfy the first due-query after startup. Delivery is at-least-once;
// handlers must be idempotent.
package timers
