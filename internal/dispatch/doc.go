// Package dispatch runs campaigns. The Dispatcher owns one campaign's
// lifecycle end to end: it seeds pacing from the rate-limit calculator,
// asks the throttle controller which account sends next and after how
// long, hands messages to the external sender, keeps the progress
// counters consistent under concurrent per-account sends, and for
// recurring campaigns idle-waits between send windows using the schedule
// planner. External systems (segments, accounts, sender, persistence,
// notifications) are reached only through the collaborator interfaces in
// this package.
package dispatch
