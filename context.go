package acqengine

import "context"

type workerNameKey struct{}

// withWorkerName tags ctx with the identity of the engine worker executing
// the current event. Everything the event calls — including goroutines it
// spawns, as long as they inherit the context — is thereby recognizable as
// within-executor work, replacing the thread-local bookkeeping a threaded
// runtime would use.
func withWorkerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerNameKey{}, name)
}

// WorkerNameFromContext reports which engine worker the context belongs to.
// ok is false for contexts that did not originate from an engine worker.
func WorkerNameFromContext(ctx context.Context) (name string, ok bool) {
	name, ok = ctx.Value(workerNameKey{}).(string)
	return name, ok
}
