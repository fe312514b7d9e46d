// Package dedupe suppresses component notifications that an agent retried
// within a time window, so the core marks a mirror stale once per event.
package dedupe
