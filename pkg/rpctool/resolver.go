package rpctool

import "context"

// Endpoint is what a Resolver returns for a butler name: enough to reach
// its RPC server.
type Endpoint struct {
	ButlerName string
	URL        string
}

// Resolver maps a butler name to its RPC endpoint. The switchboard
// implements this directly from its registry rows (registry.Resolver) and
// is the only daemon that builds a Client; no other daemon constructs a
// Resolver.
type Resolver interface {
	Resolve(ctx context.Context, butlerName string) (Endpoint, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, butlerName string) (Endpoint, error)

func (f ResolverFunc) Resolve(ctx context.Context, butlerName string) (Endpoint, error) {
	return f(ctx, butlerName)
}
