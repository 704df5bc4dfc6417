// Package mirror copies enriched change events to external systems.
//
// Each configured mirror owns a Worker with a bounded queue. The subscriber
// offers every published event to the Registry without blocking; workers
// filter by entity and change type, then publish to their Sink with
// exponential backoff. A mirror that keeps failing loses events, it never
// delays checkpoints or the relay.
//
// Sinks register themselves by type:
//
//	import _ "github.com/maxpert/changerelay/mirror/sink"
//
//	reg, err := mirror.NewRegistry(cfg.Config.Mirrors)
//	reg.Start()
//	defer reg.Stop()
package mirror
