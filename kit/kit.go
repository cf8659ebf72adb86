// Package kit holds the transport-agnostic endpoint plumbing shared by the
// HTTP and MCP surfaces: the Endpoint function type, middleware chaining,
// and context enrichment helpers.
package kit

import "context"

// Endpoint is a transport-agnostic request handler. Each engine operation is
// exposed as one Endpoint, then wrapped per transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares outermost-first: Chain(a, b, c)(e) runs a, then
// b, then c, then e.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
