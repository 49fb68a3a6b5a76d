// Package endpoint is the C5 endpoint runtime: a route table with
// middleware and hooks, a request/response correlator keyed by
// message_id, and a fixed worker pool dispatching inbound missions to
// named handlers.
package endpoint

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tenzoki/meshwire/internal/envelope"
	"github.com/tenzoki/meshwire/internal/idgen"
	"github.com/tenzoki/meshwire/internal/mux"
)

// Transport is the minimum surface Endpoint needs from a mission
// multiplexer: either a single *mux.Pipe (via pipeTransport) or a
// *mux.MultiPipe, both satisfy it directly or through a thin adapter.
type Transport interface {
	Recv(ctx context.Context) (mux.Message, error)
	Send(data []byte, info map[string]interface{}, chunkSize int, safeCode string) (extension string, usedSafeCode string, err error)
}

// pipeTransport adapts a single *mux.Pipe to the Transport interface,
// ignoring the safe_code parameter since there is only ever one pipe.
type pipeTransport struct{ p *mux.Pipe }

func WrapPipe(p *mux.Pipe) Transport { return pipeTransport{p: p} }

func (t pipeTransport) Recv(ctx context.Context) (mux.Message, error) { return t.p.Recv(ctx) }

func (t pipeTransport) Send(data []byte, info map[string]interface{}, chunkSize int, _ string) (string, string, error) {
	ext, err := t.p.CreateMission(data, info, chunkSize)
	return ext, "", err
}

type pendingEntry struct {
	messageID  string
	callback   func(*Request)
	blockingCh chan *Request
	once       sync.Once
	extension  string
}

func (e *pendingEntry) fire(req *Request) {
	e.once.Do(func() {
		if e.blockingCh != nil {
			e.blockingCh <- req
			close(e.blockingCh)
		} else if e.callback != nil {
			e.callback(req)
		}
	})
}

// Endpoint is one node's runtime: route table, middleware chain, hooks,
// pending-request correlator, and worker pool.
type Endpoint struct {
	transport Transport
	chunkSize int

	mu           sync.RWMutex
	routes       map[string]*handlerEntry
	defaultFn    HandlerFunc
	middlewares  []MiddlewareFunc
	errorHandler func(route string, err error) *Response
	beforeHooks  []BeforeHookFunc
	afterHooks   []AfterHookFunc

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry
	extToMsg  map[string]string

	workQueue chan mux.Message
	workers   int
	stopCh    chan struct{}
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	debug bool
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithWorkers sets the fixed worker pool size (default 4).
func WithWorkers(n int) Option {
	return func(e *Endpoint) { e.workers = n }
}

// WithChunkSize sets the default mission chunk size for Send (default
// mux.DefaultChunkSize).
func WithChunkSize(n int) Option {
	return func(e *Endpoint) { e.chunkSize = n }
}

// WithDebug enables verbose lifecycle logging.
func WithDebug(on bool) Option {
	return func(e *Endpoint) { e.debug = on }
}

// New builds an Endpoint over transport. Call Start to begin dispatching.
func New(transport Transport, opts ...Option) *Endpoint {
	e := &Endpoint{
		transport: transport,
		chunkSize: mux.DefaultChunkSize,
		routes:    make(map[string]*handlerEntry),
		pending:   make(map[string]*pendingEntry),
		extToMsg:  make(map[string]string),
		workers:   4,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workQueue = make(chan mux.Message, e.workers*4)
	return e
}

func (e *Endpoint) logf(format string, args ...interface{}) {
	if e.debug {
		log.Printf("[endpoint] "+format, args...)
	}
}

// Request registers a handler under name. Names are case-sensitive and
// unique per endpoint; registering the same name twice overwrites the
// prior handler.
func (e *Endpoint) Request(name string, fn HandlerFunc, description string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes[name] = &handlerEntry{name: name, fn: fn, description: description}
}

// Default registers the fallback handler for unmatched routes.
func (e *Endpoint) Default(fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultFn = fn
}

// Middleware appends a middleware, composed in registration order around
// every handler call.
func (e *Endpoint) Middleware(fn MiddlewareFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, fn)
}

// BeforeRequest registers a before-request hook.
func (e *Endpoint) BeforeRequest(fn BeforeHookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeHooks = append(e.beforeHooks, fn)
}

// AfterRequest registers an after-request hook.
func (e *Endpoint) AfterRequest(fn AfterHookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterHooks = append(e.afterHooks, fn)
}

// ErrorHandle registers the catch-all for handler errors/panics. Without
// one, handler errors are logged and not propagated across the wire.
func (e *Endpoint) ErrorHandle(fn func(route string, err error) *Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHandler = fn
}

// RegisterBlueprint merges bp's routes (prefixed), middlewares, and hooks
// into the endpoint. Blueprint middlewares append to the endpoint's;
// the blueprint's error handler applies only if the endpoint has none.
func (e *Endpoint) RegisterBlueprint(bp *Blueprint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, entry := range bp.routes {
		full := bp.prefix + name
		e.routes[full] = &handlerEntry{name: full, fn: entry.fn, description: entry.description}
	}
	if bp.defaultFn != nil && e.defaultFn == nil {
		e.defaultFn = bp.defaultFn
	}
	e.middlewares = append(e.middlewares, bp.middlewares...)
	e.beforeHooks = append(e.beforeHooks, bp.beforeHooks...)
	e.afterHooks = append(e.afterHooks, bp.afterHooks...)
	if e.errorHandler == nil {
		e.errorHandler = bp.errorHandler
	}
}

// Start spawns the dispatcher and the fixed worker pool.
func (e *Endpoint) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.dispatch(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
}

// Stop requests shutdown: it unblocks the dispatcher, pushes sentinels
// for every worker, purges pending-request entries without invoking
// them, and waits for all goroutines to drain. It never joins the
// calling goroutine into itself.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.cancel != nil {
			e.cancel()
		}
		for i := 0; i < e.workers; i++ {
			e.workQueue <- mux.Message{}
		}
		e.pendingMu.Lock()
		e.pending = make(map[string]*pendingEntry)
		e.extToMsg = make(map[string]string)
		e.pendingMu.Unlock()
	})
	e.wg.Wait()
}

func (e *Endpoint) dispatch(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		msg, err := e.transport.Recv(ctx)
		if err != nil {
			e.logf("transport recv ended: %v", err)
			return
		}
		select {
		case e.workQueue <- msg:
		case <-e.stopCh:
			return
		}
	}
}

func (e *Endpoint) work() {
	defer e.wg.Done()
	for msg := range e.workQueue {
		select {
		case <-e.stopCh:
			if msg.Info == nil && msg.Data == nil && msg.Extension == "" {
				return
			}
		default:
		}
		if msg.Info == nil && msg.Data == nil && msg.Extension == "" {
			continue
		}
		e.handleOne(msg)
	}
}

// handleOne dispatches one inbound message: correlator match first, then
// route match, then the default handler.
func (e *Endpoint) handleOne(msg mux.Message) {
	req := requestFromInfo(msg.Info, msg.Data)

	if req.messageID != "" {
		if entry := e.takePending(req.messageID); entry != nil {
			entry.fire(req)
			return
		}
	}

	e.mu.RLock()
	entry, hasRoute := e.routes[req.route]
	defaultFn := e.defaultFn
	e.mu.RUnlock()

	if hasRoute {
		e.runHandler(req, entry)
		return
	}

	if defaultFn != nil {
		resp := e.safeInvoke(req.route, defaultFn, req)
		e.maybeReply(req, resp)
	}
}

func (e *Endpoint) runHandler(req *Request, entry *handlerEntry) {
	e.mu.RLock()
	before := append([]BeforeHookFunc(nil), e.beforeHooks...)
	after := append([]AfterHookFunc(nil), e.afterHooks...)
	middlewares := append([]MiddlewareFunc(nil), e.middlewares...)
	e.mu.RUnlock()

	for _, hook := range before {
		if resp := hook(req); resp != nil {
			e.maybeReply(req, resp)
			return
		}
	}

	handler := entry.fn
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	resp := e.safeInvoke(entry.name, handler, req)

	for _, hook := range after {
		if replaced := hook(req, resp); replaced != nil {
			resp = replaced
		}
	}

	e.maybeReply(req, resp)
}

func (e *Endpoint) safeInvoke(route string, fn HandlerFunc, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = e.handleError(route, fmt.Errorf("handler panic: %v", r))
		}
	}()
	return fn(req)
}

func (e *Endpoint) handleError(route string, err error) *Response {
	e.mu.RLock()
	eh := e.errorHandler
	e.mu.RUnlock()
	if eh != nil {
		return eh(route, err)
	}
	e.logf("unhandled error on route %q: %v", route, err)
	return nil
}

func (e *Endpoint) maybeReply(req *Request, resp *Response) {
	if resp == nil || req.messageID == "" {
		return
	}
	e.SendResponse(req, resp.Data)
}

// Send allocates a fresh message_id, records a pending entry, encodes
// data (map/struct -> JSON, string -> UTF-8, []byte -> as-is), and hands
// it to the transport. When callback is nil and blocking is false, no
// pending entry is recorded: the caller gets the message_id and mission
// extension back and no reply is delivered to it.
func (e *Endpoint) Send(route string, data interface{}, callback func(*Request), blocking bool, pipeSafeCode string) (messageID string, extension string, blockingResult *Request, err error) {
	body, err := envelope.EncodeBody(data)
	if err != nil {
		return "", "", nil, fmt.Errorf("endpoint: encode send body: %w", err)
	}

	messageID = idgen.MessageID()
	info := (&envelope.Envelope{Route: route, MessageID: messageID, PipeSafeCode: pipeSafeCode}).ToInfo()

	entry := &pendingEntry{messageID: messageID}
	var blockCh chan *Request
	if blocking {
		blockCh = make(chan *Request, 1)
		entry.blockingCh = blockCh
	} else if callback != nil {
		entry.callback = callback
	}
	if blocking || callback != nil {
		e.pendingMu.Lock()
		e.pending[messageID] = entry
		e.pendingMu.Unlock()
	}

	ext, _, err := e.transport.Send(body, info, e.chunkSize, pipeSafeCode)
	if err != nil {
		e.pendingMu.Lock()
		delete(e.pending, messageID)
		e.pendingMu.Unlock()
		return "", "", nil, fmt.Errorf("endpoint: send failed: %w", err)
	}
	entry.extension = ext
	if len(body) > e.chunkSize {
		e.pendingMu.Lock()
		e.extToMsg[ext] = messageID
		e.pendingMu.Unlock()
	}

	if blocking {
		req := <-blockCh
		return messageID, ext, req, nil
	}
	return messageID, ext, nil, nil
}

// SendWithTimeout is Send with blocking=true bounded by timeout; a
// timed-out wait returns ErrTimeout, never a spurious cancellation.
func (e *Endpoint) SendWithTimeout(route string, data interface{}, pipeSafeCode string, timeout time.Duration) (*Request, error) {
	messageID := idgen.MessageID()
	body, err := envelope.EncodeBody(data)
	if err != nil {
		return nil, fmt.Errorf("endpoint: encode send body: %w", err)
	}
	info := (&envelope.Envelope{Route: route, MessageID: messageID, PipeSafeCode: pipeSafeCode}).ToInfo()

	entry := &pendingEntry{messageID: messageID, blockingCh: make(chan *Request, 1)}
	e.pendingMu.Lock()
	e.pending[messageID] = entry
	e.pendingMu.Unlock()

	ext, _, err := e.transport.Send(body, info, e.chunkSize, pipeSafeCode)
	if err != nil {
		e.pendingMu.Lock()
		delete(e.pending, messageID)
		e.pendingMu.Unlock()
		return nil, fmt.Errorf("endpoint: send failed: %w", err)
	}
	if len(body) > e.chunkSize {
		e.pendingMu.Lock()
		e.extToMsg[ext] = messageID
		e.pendingMu.Unlock()
	}

	select {
	case req := <-entry.blockingCh:
		return req, nil
	case <-time.After(timeout):
		e.takePending(messageID)
		return nil, ErrTimeout
	}
}

// ErrTimeout is returned by SendWithTimeout when no response or
// cancellation arrives within the deadline.
var ErrTimeout = fmt.Errorf("endpoint: blocking receive timed out")

// SendResponse mirrors Send for handler-returned responses: it reuses the
// original request's message_id and pipe_safe_code and marks is_response.
func (e *Endpoint) SendResponse(original *Request, data interface{}) error {
	body, err := envelope.EncodeBody(data)
	if err != nil {
		return fmt.Errorf("endpoint: encode response body: %w", err)
	}
	info := (&envelope.Envelope{MessageID: original.messageID, IsResponse: true, PipeSafeCode: original.pipeSafeCode}).ToInfo()
	_, _, err = e.transport.Send(body, info, e.chunkSize, original.pipeSafeCode)
	if err != nil {
		return fmt.Errorf("endpoint: send response failed: %w", err)
	}
	return nil
}

// takePending removes and returns the pending entry for messageID, if
// any, so the caller can fire it exactly once.
func (e *Endpoint) takePending(messageID string) *pendingEntry {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	entry, ok := e.pending[messageID]
	if !ok {
		return nil
	}
	delete(e.pending, messageID)
	for ext, mid := range e.extToMsg {
		if mid == messageID {
			delete(e.extToMsg, ext)
			break
		}
	}
	return entry
}

// CancelMission asks the underlying transport to cancel an in-flight
// mission by extension; if a pending request was keyed to that extension,
// its waiter is woken with a synthetic is_cancel=true request.
func (e *Endpoint) CancelMission(extension string, pipeSafeCode string) bool {
	e.pendingMu.Lock()
	messageID, hasPending := e.extToMsg[extension]
	e.pendingMu.Unlock()

	ok := false
	switch t := e.transport.(type) {
	case pipeTransport:
		ok = t.p.CancelMission(extension)
	case *mux.MultiPipe:
		ok = t.CancelMission(extension, pipeSafeCode)
	}

	if hasPending {
		if entry := e.takePending(messageID); entry != nil {
			entry.fire(&Request{messageID: messageID, isCancel: true, pipeSafeCode: pipeSafeCode, headers: map[string]interface{}{}})
		}
	}
	return ok
}
