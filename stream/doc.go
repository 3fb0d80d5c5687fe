// Package stream decodes structured values from live response streams.
// The partial decoder reconstructs a single target value delta by delta,
// leaving not-yet-resolvable fields unset; the list decoder detects
// element boundaries in a streamed sequence and emits each element as
// soon as it completes, validated, before the stream ends.
package stream
