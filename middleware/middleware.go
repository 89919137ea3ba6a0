// Package middleware wraps rpc handlers with cross-cutting behavior.
//
// Middlewares compose like an onion: Chain(A, B, C)(h) is A(B(C(h))), so A
// sees the call first and the result last.
package middleware

import "strims-rpc/rpc"

// Middleware decorates a handler.
type Middleware func(next rpc.Handler) rpc.Handler

// Chain combines middlewares into one, applied in the order given.
func Chain(middlewares ...Middleware) Middleware {
	return func(next rpc.Handler) rpc.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Apply wraps every handler in table with mw and returns the new table.
func Apply(table rpc.ServiceTable, mw Middleware) rpc.ServiceTable {
	out := make(rpc.ServiceTable, len(table))
	for method, h := range table {
		out[method] = mw(h)
	}
	return out
}
