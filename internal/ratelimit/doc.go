// Package ratelimit computes safe pacing targets for a campaign before it
// starts dispatching. Calculate is a pure function: same inputs, same
// answer, no clock and no I/O, which keeps the pacing math trivially
// testable apart from the dispatch machinery that consumes it.
package ratelimit
