// Package throttle paces a running campaign: for every pending recipient it
// answers "which account, after how long", or explains why sending is
// suspended and when to ask again. It owns account rotation state and the
// shared Redis send counters; nothing else mutates account pacing fields
// while a campaign runs.
package throttle
