// Package schedule implements recurring send-window planning for campaigns.
//
// A campaign that repeats daily carries a Settings value: the wall-clock
// times it may dispatch at, the weekdays it must skip, and the IANA zone
// those times are interpreted in. The Planner validates settings, applies
// atomic edits to the send-time set, and computes the next UTC instant a
// campaign may dispatch at, including DST transitions.
//
// Everything in this package is pure: no clocks are read and no state is
// kept beyond the Planner's configured minimum interval.
package schedule
