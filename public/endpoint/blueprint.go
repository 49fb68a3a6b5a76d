package endpoint

// HandlerFunc processes a dispatched request and optionally returns a
// Response to send back to the caller.
type HandlerFunc func(req *Request) *Response

// MiddlewareFunc wraps a handler; middlewares are composed in
// registration order (first registered is outermost), and the chain is
// rebuilt around the route's handler on every dispatched call.
type MiddlewareFunc func(next HandlerFunc) HandlerFunc

// BeforeHookFunc implements before_request. A non-nil return short-
// circuits handler execution and is sent back as the response.
type BeforeHookFunc func(req *Request) *Response

// AfterHookFunc implements after_request. A non-nil return replaces the
// response that would otherwise be sent.
type AfterHookFunc func(req *Request, resp *Response) *Response

type handlerEntry struct {
	name        string
	fn          HandlerFunc
	description string
}

// Blueprint is a named, reusable bundle of routes, middlewares, and hooks
// that does not execute on its own; RegisterBlueprint merges its tables
// into an Endpoint.
type Blueprint struct {
	prefix       string
	routes       map[string]*handlerEntry
	defaultFn    HandlerFunc
	middlewares  []MiddlewareFunc
	errorHandler func(route string, err error) *Response
	beforeHooks  []BeforeHookFunc
	afterHooks   []AfterHookFunc
}

// NewBlueprint creates a blueprint whose routes are registered under
// prefix (e.g. "user/" + "list" -> "user/list").
func NewBlueprint(prefix string) *Blueprint {
	return &Blueprint{prefix: prefix, routes: make(map[string]*handlerEntry)}
}

// Request registers a handler on the blueprint, local to its prefix.
func (b *Blueprint) Request(route string, fn HandlerFunc, description string) {
	b.routes[route] = &handlerEntry{name: route, fn: fn, description: description}
}

// Default registers the blueprint's fallback handler (`/__default__`).
func (b *Blueprint) Default(fn HandlerFunc) { b.defaultFn = fn }

// Middleware appends a middleware local to this blueprint.
func (b *Blueprint) Middleware(fn MiddlewareFunc) {
	b.middlewares = append(b.middlewares, fn)
}

// ErrorHandle registers the blueprint's catch-all; it applies only if the
// endpoint it is merged into has none of its own.
func (b *Blueprint) ErrorHandle(fn func(route string, err error) *Response) {
	b.errorHandler = fn
}

// BeforeRequest registers a blueprint-local before hook.
func (b *Blueprint) BeforeRequest(fn BeforeHookFunc) {
	b.beforeHooks = append(b.beforeHooks, fn)
}

// AfterRequest registers a blueprint-local after hook.
func (b *Blueprint) AfterRequest(fn AfterHookFunc) {
	b.afterHooks = append(b.afterHooks, fn)
}
