// Package types defines the shared error model used across extractflow.
//
// Every failure that can terminate an extraction call is expressed as an
// *Error carrying a stable code from the taxonomy below, so callers can
// branch on the kind of failure without string matching.
package types
