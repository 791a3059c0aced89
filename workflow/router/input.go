package router

import "context"

// InputHeader carries a human-supplied input value on NATS execute requests.
const InputHeader = "Semplan-Input"

type inputKey struct{}

// WithInput attaches the answer to an input_request to a dispatch context.
// Executors read it back with InputFrom.
func WithInput(ctx context.Context, value string) context.Context {
	return context.WithValue(ctx, inputKey{}, value)
}

// InputFrom returns the human input attached to ctx, if any.
func InputFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(inputKey{}).(string)
	return v, ok
}
