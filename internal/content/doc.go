// Package content defines the message model shared by the context engine,
// the storage backends and the transport layer.
//
// Message content is a closed recursive value type (Null, String, Int, Float,
// Bool, Array, Object). Equality is structural: object comparison ignores key
// order, array comparison respects order, and numbers compare by numeric
// value regardless of whether they were decoded as integers or floats.
//
// Canonical JSON (RFC 8785 key ordering, NFC strings, no HTML escaping) is the
// persisted representation of content.
package content
