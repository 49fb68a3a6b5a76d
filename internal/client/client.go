// Package client is the node-side counterpart of internal/broker: it
// dials a broker port, runs the two-step admission handshake, and hands
// back a mux.Pipe ready for mission-multiplexed routing traffic.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tenzoki/meshwire/internal/frame"
	"github.com/tenzoki/meshwire/internal/idgen"
	"github.com/tenzoki/meshwire/internal/mux"
)

// Credentials identifies this node to a broker port.
type Credentials struct {
	Group   string // uid
	Secret  string // pwd
	Token   string
	Mac     string
	Version string
	OS      string
	Name    string
	Methods map[string]string
}

// Conn is an admitted connection to a broker port: the raw socket plus
// the mux.Pipe built on top of it for mission traffic.
type Conn struct {
	conn          net.Conn
	Pipe          *mux.Pipe
	BrokerMethods []string

	servOnce sync.Once
	servCh   chan mux.Message
	callMu   sync.Mutex
	calls    map[string]chan map[string]interface{}
}

// Dial connects to addr, runs the handshake with creds, and starts the
// resulting Pipe. The dial-level net.DialTimeout bounds connection setup;
// the handshake itself has no separate timeout beyond the broker's own
// idle window.
func Dial(addr string, creds Credentials, dialTimeout time.Duration) (*Conn, error) {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	if err := handshake(conn, creds); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := readReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	pipe := mux.NewPipe(conn)
	pipe.Start()

	return &Conn{conn: conn, Pipe: pipe, BrokerMethods: reply.Meth}, nil
}

type handshakeReply struct {
	Meth []string `json:"meth"`
}

func handshake(conn net.Conn, creds Credentials) error {
	step1, err := json.Marshal(map[string]string{
		"uid": creds.Group, "pwd": creds.Secret, "token": creds.Token,
		"mac": creds.Mac, "version": creds.Version,
	})
	if err != nil {
		return fmt.Errorf("client: marshal handshake step1: %w", err)
	}
	f1, err := frame.Encode("", step1)
	if err != nil {
		return fmt.Errorf("client: encode handshake step1: %w", err)
	}
	if _, err := conn.Write(f1); err != nil {
		return fmt.Errorf("client: write handshake step1: %w", err)
	}

	methods := creds.Methods
	if methods == nil {
		methods = map[string]string{}
	}
	step2, err := json.Marshal(map[string]interface{}{"os": creds.OS, "name": creds.Name, "meth": methods})
	if err != nil {
		return fmt.Errorf("client: marshal handshake step2: %w", err)
	}
	f2, err := frame.Encode("", step2)
	if err != nil {
		return fmt.Errorf("client: encode handshake step2: %w", err)
	}
	if _, err := conn.Write(f2); err != nil {
		return fmt.Errorf("client: write handshake step2: %w", err)
	}
	return nil
}

func readReply(conn net.Conn) (handshakeReply, error) {
	_, meta, err := frame.Decode(conn)
	if err != nil {
		return handshakeReply{}, fmt.Errorf("client: read handshake reply: %w", err)
	}
	var reply handshakeReply
	if err := json.Unmarshal(meta, &reply); err != nil {
		return handshakeReply{}, fmt.Errorf("client: malformed handshake reply: %w", err)
	}
	return reply, nil
}

// Close shuts the connection and its pipe down.
func (c *Conn) Close() error {
	c.Pipe.Close(nil)
	return c.conn.Close()
}

// Cmd sends a `{_type:"cmd", cmd:name, ...fields}` envelope and returns
// the mission extension it was queued under (callers await the reply via
// Pipe.Recv and match on the `_add` correlator they supplied in fields).
func (c *Conn) Cmd(name string, fields map[string]interface{}) (string, error) {
	req := map[string]interface{}{"_type": "cmd", "cmd": name}
	for k, v := range fields {
		req[k] = v
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("client: marshal cmd envelope: %w", err)
	}
	return c.Pipe.CreateMission(body, nil, mux.DefaultChunkSize)
}

// StartServ begins demultiplexing inbound traffic on this connection:
// envelopes whose `_add` correlator matches an outstanding Call are
// delivered to the waiting caller, everything else lands on the Serv
// queue. Once started, the caller must consume through Serv/Call rather
// than Pipe.Recv directly.
func (c *Conn) StartServ(ctx context.Context) {
	c.servOnce.Do(func() {
		c.servCh = make(chan mux.Message, 64)
		c.calls = make(map[string]chan map[string]interface{})
		go c.servLoop(ctx)
	})
}

func (c *Conn) servLoop(ctx context.Context) {
	defer close(c.servCh)
	for {
		msg, err := c.Pipe.Recv(ctx)
		if err != nil {
			return
		}
		var env map[string]interface{}
		if err := json.Unmarshal(msg.Data, &env); err == nil {
			if add, _ := env["_add"].(string); add != "" {
				c.callMu.Lock()
				waiter, ok := c.calls[add]
				if ok {
					delete(c.calls, add)
				}
				c.callMu.Unlock()
				if ok {
					waiter <- env
					continue
				}
			}
		}
		select {
		case c.servCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Serv is the queue of inbound envelopes not claimed by a pending Call.
// It is nil until StartServ runs and is closed when the demux loop exits.
func (c *Conn) Serv() <-chan mux.Message { return c.servCh }

// Call sends a broker cmd stamped with a fresh `_add` correlator and
// blocks until the matching reply arrives or timeout elapses. StartServ
// must have been called first.
func (c *Conn) Call(ctx context.Context, name string, fields map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	add := idgen.Correlator()
	waiter := make(chan map[string]interface{}, 1)
	c.callMu.Lock()
	c.calls[add] = waiter
	c.callMu.Unlock()

	unregister := func() {
		c.callMu.Lock()
		delete(c.calls, add)
		c.callMu.Unlock()
	}

	merged := map[string]interface{}{"_add": add}
	for k, v := range fields {
		merged[k] = v
	}
	if _, err := c.Cmd(name, merged); err != nil {
		unregister()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-waiter:
		return env, nil
	case <-timer.C:
		unregister()
		return nil, fmt.Errorf("client: call %q timed out waiting for reply %s", name, add)
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

// Forward sends a `{_type:"for", recver:mac, ...}` envelope to be routed
// by the broker to another member.
func (c *Conn) Forward(recverMac string, data interface{}, correlator string) (string, error) {
	req := map[string]interface{}{"_type": "for", "recver": recverMac, "_data": data}
	if correlator != "" {
		req["_add"] = correlator
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("client: marshal forward envelope: %w", err)
	}
	return c.Pipe.CreateMission(body, nil, mux.DefaultChunkSize)
}
