// Package gate runs named operations on a single owner goroutine that is
// locked to one OS thread.
//
// A call made from the owner runs synchronously. A call made from anywhere
// else is queued for the owner and returns immediately. While an operation of
// a given name is queued or running, further calls with that name are
// suppressed:
//
//	g := gate.New(gate.Options{Logger: logger})
//	g.Start(ctx)
//	defer g.Stop()
//
//	status, err := g.Run(ctx, "allocate-core", allocate)
//	switch status {
//	case gate.StatusCompleted:   // ran inline, err is its result
//	case gate.StatusScheduled:   // will run on the owner
//	case gate.StatusSuppressed:  // already pending, dropped
//	}
package gate
