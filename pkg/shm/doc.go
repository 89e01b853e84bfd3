// Package shm shares physical pages between process address spaces.
//
// A Manager binds the frames behind a source range into fresh growth of a
// destination address space, keeps every binding in a Registry, and tears
// bindings down on unmap or when a destination exits. Frames are never
// copied; each binding holds one reference on each frame and the frame goes
// back to the allocator when its last reference is dropped.
//
// The Manager is instrumented with OpenTelemetry metrics and tracing. Both
// default to noop providers.
//
// Example usage:
//
//	mgr, err := shm.NewManager(procs, frames, shm.Options{Meter: meter, Tracer: tracer})
//	procs.OnExit(mgr.ReleaseProcess)
//	va, err := mgr.Map(ctx, parentPid, childPid, buf, 4096)
//	// ...
//	err = mgr.Unmap(ctx, childPid, va, 4096)
package shm
