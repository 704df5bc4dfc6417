// Package status maintains the persisted connection status snapshot and the
// liveness heartbeat that connected clients observe.
package status

import "maps"

// Snapshot keys
const (
	KeyConnectionIsUp   = "connectionIsUp"
	KeyConnectionReason = "connectionReason"
)

// Snapshot is the latest known status. Values are JSON scalars; a nil value
// is an explicitly cleared field and is kept as null.
type Snapshot map[string]any

// Merge overlays update onto old and returns a new snapshot. Keys absent
// from update keep their old value. Neither argument is modified.
func Merge(old, update Snapshot) Snapshot {
	out := make(Snapshot, len(old)+len(update))
	maps.Copy(out, old)
	maps.Copy(out, update)
	return out
}

// Up is the update reported when the transport connects
func Up() Snapshot {
	return Snapshot{KeyConnectionIsUp: true, KeyConnectionReason: nil}
}

// Down is the update reported when the transport is lost
func Down(reason string) Snapshot {
	return Snapshot{KeyConnectionIsUp: false, KeyConnectionReason: reason}
}
