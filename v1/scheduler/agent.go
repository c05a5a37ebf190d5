package scheduler

import "context"

// Agent is a named unit of work. Its type is the unit id in the score store
// and must be unique across the cluster.
type Agent interface {
	Type() string
}

// Named is an Agent identified by a plain string.
type Named string

// Type implements Agent.
func (n Named) Type() string { return string(n) }

// Result is whatever an execution produced.
type Result any

// Execution runs an agent in two phases. Store is only called when the
// worker still owned the agent at release time, so results from a run whose
// lock was reclaimed are dropped instead of racing the new holder.
type Execution interface {
	Execute(ctx context.Context, a Agent) (Result, error)
	Store(ctx context.Context, a Agent, r Result) error
}

// Func adapts a function with nothing to store to Execution.
type Func func(ctx context.Context, a Agent) error

// Execute implements Execution.
func (f Func) Execute(ctx context.Context, a Agent) (Result, error) {
	return nil, f(ctx, a)
}

// Store implements Execution.
func (f Func) Store(context.Context, Agent, Result) error { return nil }
