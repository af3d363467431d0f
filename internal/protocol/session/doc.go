// Package session owns the line relay transport primitives.
//
// Ownership boundary:
// - relay timing defaults (capture deadline, write deadline, accept backoff)
// - bounded newline-delimited reads
// - listener/dialer transport security policy
package session
