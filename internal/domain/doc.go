// Package domain defines the campaign aggregate and its settings types.
//
// Campaign is treated as immutable-until-committed: command methods take a
// value receiver, validate the requested change in full, and return a new
// Campaign. A command that fails leaves the original untouched, so a
// half-applied settings update can never be observed or persisted.
package domain
