// Package broker implements the "tree": a TCP listener per port that
// authenticates connecting nodes, tracks a live membership registry, and
// routes envelopes between them, mediating large point-to-point transfers
// on request.
package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tenzoki/meshwire/internal/mux"
	"github.com/tenzoki/meshwire/internal/support"
)

// DefaultIdleTimeout is the broker's default per-connection idle read
// window.
const DefaultIdleTimeout = 300 * time.Second

// PortConfig configures one listening port.
type PortConfig struct {
	Token       string
	Groups      map[string]string // uid (group name) -> shared secret
	IdleTimeout time.Duration
	Debug       bool
}

// CommandFunc implements one broker-local `cmd` verb. req is the decoded
// control envelope; the returned value becomes `_data` in the reply.
type CommandFunc func(p *Port, source *Member, req envelope) (interface{}, error)

// Port is one broker listener: its own admission token, credential map,
// membership registry, and command set. Connections never leak between
// ports.
type Port struct {
	addr        string
	token       string
	idleTimeout time.Duration
	debug       bool

	mu     sync.RWMutex
	groups map[string]string

	registry *registry
	commands map[string]CommandFunc
	events   *support.Bus
	cache    *support.Cache

	// pendingTrans maps a source mac to its declared target mac between a
	// cmdTrans call and the follow-up trans_data payload.
	pendingTrans map[string]string

	listener net.Listener
	wg       sync.WaitGroup
}

// Service owns zero or more Ports, each an independent listener.
type Service struct {
	mu    sync.Mutex
	ports map[string]*Port
}

// NewService creates an empty broker service.
func NewService() *Service {
	return &Service{ports: make(map[string]*Port)}
}

// Listen starts a new listener on addr with the given configuration and
// begins accepting connections in the background. ctx cancellation stops
// the accept loop and closes the listener.
func (s *Service) Listen(ctx context.Context, addr string, cfg PortConfig) (*Port, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("broker: listen %s: %w", addr, err)
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	groups := cfg.Groups
	if groups == nil {
		groups = map[string]string{}
	}

	p := &Port{
		addr:        addr,
		token:       cfg.Token,
		idleTimeout: idle,
		debug:       cfg.Debug,
		groups:      groups,
		registry:    newRegistry(),
		commands:    defaultCommands(),
		events:      support.NewBus(),
		cache:       support.NewCache(activitiesCacheTTL),
		listener:    ln,
	}

	s.mu.Lock()
	s.ports[addr] = p
	s.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop(ctx)

	return p, nil
}

// Port looks up a previously started listener by address.
func (s *Service) Port(addr string) (*Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[addr]
	return p, ok
}

// Addr returns the listener's actual network address, useful when Listen
// was called with a ":0" port.
func (p *Port) Addr() string { return p.listener.Addr().String() }

// Events exposes the port's membership event bus. Topics:
// "member:admitted", "member:evicted", "member:removed"; the payload is
// the member's mac.
func (p *Port) Events() *support.Bus { return p.events }

// RegisterCommand adds or overrides a broker-local `cmd` verb on this
// port.
func (p *Port) RegisterCommand(name string, fn CommandFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands[name] = fn
}

func (p *Port) commandNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.commands))
	for name := range p.commands {
		names = append(names, name)
	}
	return names
}

func (p *Port) logf(format string, args ...interface{}) {
	if p.debug {
		log.Printf("[broker %s] "+format, append([]interface{}{p.addr}, args...)...)
	}
}

func (p *Port) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	go func() {
		<-ctx.Done()
		p.listener.Close()
		p.cache.Close()
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.logf("accept error: %v", err)
				return
			}
		}
		p.wg.Add(1)
		go p.handleConnection(ctx, conn)
	}
}

func (p *Port) handleConnection(ctx context.Context, conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(p.idleTimeout))
	member, err := p.handshake(conn)
	if err != nil {
		p.logf("handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Now().Add(p.idleTimeout))

	idleConn := &idleResettingConn{Conn: conn, timeout: p.idleTimeout}
	pipe := mux.NewPipe(idleConn)
	member.Conn = conn
	member.Pipe = pipe
	member.LastSeen = time.Now()

	if evicted := p.registry.admit(member); evicted != nil {
		p.logf("evicting prior connection for mac %s", member.Mac)
		if evicted.Pipe != nil {
			evicted.Pipe.Close(nil)
		}
		if evicted.Conn != nil {
			evicted.Conn.Close()
		}
		p.events.Emit("member:evicted", member.Mac)
	}
	p.cache.Delete(activitiesCacheKey)
	p.events.Emit("member:admitted", member.Mac)
	p.logf("admitted mac=%s group=%s", member.Mac, member.Group)

	defer func() {
		p.registry.remove(member)
		p.cache.Delete(activitiesCacheKey)
		p.events.Emit("member:removed", member.Mac)
	}()

	pipe.Start()
	defer pipe.Close(nil)

	p.routeLoop(ctx, member, pipe)
}

// routeLoop reads envelopes from the connection's pipe and dispatches
// them; see routing.go. It runs until the pipe closes or ctx is done.
func (p *Port) routeLoop(ctx context.Context, member *Member, pipe *mux.Pipe) {
	for {
		msg, err := pipe.Recv(ctx)
		if err != nil {
			p.logf("connection for mac=%s closed: %v", member.Mac, err)
			return
		}
		member.LastSeen = time.Now()
		if err := p.dispatch(member, msg); err != nil {
			p.logf("dispatch error for mac=%s: %v", member.Mac, err)
		}
	}
}

// idleResettingConn extends the idle deadline on every successful read,
// so only a connection with no inbound traffic at all hits the timeout.
type idleResettingConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleResettingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err == nil {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return n, err
}
