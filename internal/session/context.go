package session

import "context"

type stateContextKey struct{}

// ContextWithState stores the tab state in context.
func ContextWithState(ctx context.Context, st State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, st)
}

// StateFromContext extracts the tab state placed by the route guard.
func StateFromContext(ctx context.Context) (State, bool) {
	st, ok := ctx.Value(stateContextKey{}).(State)
	return st, ok
}
