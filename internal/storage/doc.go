// Package storage is warden's persistence layer: a single sqlite database
// holding the guild (tenant) registry, per-guild feature settings, and the
// pending/dead-letter timer tables.
//
// Every per-guild table carries ON DELETE CASCADE against guilds, so
// deregistering a tenant removes all of its rows, timers included.
package storage
