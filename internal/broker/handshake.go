package broker

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/tenzoki/meshwire/internal/frame"
)

// AuthError reports a failed handshake. The connection is closed with no
// reply; a rejected peer learns nothing about why it was refused.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "broker: auth error: " + e.Reason }

type handshakeStep1 struct {
	UID     string `json:"uid"`
	PWD     string `json:"pwd"`
	Token   string `json:"token"`
	Mac     string `json:"mac"`
	Version string `json:"version"`
}

type handshakeStep2 struct {
	OS   string            `json:"os"`
	Name string            `json:"name"`
	Meth map[string]string `json:"meth"`
}

type handshakeReply struct {
	Meth []string `json:"meth"`
}

// handshake runs the two-descriptor admission exchange over the raw
// connection, before any mission-multiplexed traffic is possible. On
// success it returns the admitted Member; the
// caller is responsible for inserting it into the registry (eviction of
// any prior connection with the same mac happens there).
func (p *Port) handshake(conn net.Conn) (*Member, error) {
	_, meta1, err := frame.Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("broker: handshake step 1 read failed: %w", err)
	}
	var step1 handshakeStep1
	if err := json.Unmarshal(meta1, &step1); err != nil {
		return nil, &AuthError{Reason: "malformed handshake step 1"}
	}

	if step1.Token != p.token {
		return nil, &AuthError{Reason: "token mismatch"}
	}
	pwd, ok := p.groupPassword(step1.UID)
	if !ok || pwd != step1.PWD {
		return nil, &AuthError{Reason: "unknown group or bad credentials"}
	}
	if step1.Mac == "" {
		return nil, &AuthError{Reason: "missing mac"}
	}

	_, meta2, err := frame.Decode(conn)
	if err != nil {
		return nil, fmt.Errorf("broker: handshake step 2 read failed: %w", err)
	}
	var step2 handshakeStep2
	if err := json.Unmarshal(meta2, &step2); err != nil {
		return nil, &AuthError{Reason: "malformed handshake step 2"}
	}

	m := newMember(step1.UID, step1.Mac)
	m.Version = step1.Version
	m.OS = step2.OS
	m.Name = step2.Name
	m.Methods = step2.Meth

	reply, err := json.Marshal(handshakeReply{Meth: p.commandNames()})
	if err != nil {
		return nil, fmt.Errorf("broker: marshal handshake reply: %w", err)
	}
	replyFrame, err := frame.Encode("", reply)
	if err != nil {
		return nil, fmt.Errorf("broker: encode handshake reply: %w", err)
	}
	if _, err := conn.Write(replyFrame); err != nil {
		return nil, fmt.Errorf("broker: write handshake reply: %w", err)
	}

	return m, nil
}

func (p *Port) groupPassword(uid string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pwd, ok := p.groups[uid]
	return pwd, ok
}
