package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/meshwire/internal/idgen"
)

// MultiPipe aggregates several Pipes into one logical inbound queue,
// tagging every message with the safe_code of the pipe it arrived on so a
// response can be routed back out the same pipe. It owns the lifetime of
// every pipe it holds.
type MultiPipe struct {
	mu    sync.RWMutex
	pipes map[string]*Pipe

	inbound chan Message

	closeCh   chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup
}

// NewMultiPipe creates an empty fan-in aggregator.
func NewMultiPipe() *MultiPipe {
	return &MultiPipe{
		pipes:   make(map[string]*Pipe),
		inbound: make(chan Message, 256),
		closeCh: make(chan struct{}),
	}
}

// AddPipe registers a pipe under safeCode (generating a random 6-character
// code if empty), starts it (p must not have been started already), and spawns a reader
// goroutine that tags its messages before forwarding them to the
// aggregated inbound queue. Returns the safe_code assigned.
func (mp *MultiPipe) AddPipe(p *Pipe, safeCode string) string {
	if safeCode == "" {
		safeCode = idgen.SafeCode()
	}

	mp.mu.Lock()
	mp.pipes[safeCode] = p
	mp.mu.Unlock()

	p.Start()
	mp.wg.Add(1)
	go mp.pump(safeCode, p)

	return safeCode
}

func (mp *MultiPipe) pump(safeCode string, p *Pipe) {
	defer mp.wg.Done()
	ctx := context.Background()
	for {
		msg, err := p.Recv(ctx)
		if err != nil {
			return
		}
		if msg.Info == nil {
			msg.Info = map[string]interface{}{}
		}
		msg.Info["pipe_safe_code"] = safeCode
		select {
		case mp.inbound <- msg:
		case <-mp.closeCh:
			return
		}
	}
}

// Recv blocks until a message from any child pipe is available.
func (mp *MultiPipe) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-mp.inbound:
		if !ok {
			return Message{}, ErrPipeClosed{}
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-mp.closeCh:
		return Message{}, ErrPipeClosed{}
	}
}

// Send routes a mission through the named pipe, or the first available
// pipe if safeCode is empty.
func (mp *MultiPipe) Send(data []byte, info map[string]interface{}, chunkSize int, safeCode string) (extension string, usedCode string, err error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if safeCode != "" {
		p, ok := mp.pipes[safeCode]
		if !ok {
			return "", "", fmt.Errorf("mux: no pipe registered for safe_code %q", safeCode)
		}
		ext, err := p.CreateMission(data, info, chunkSize)
		return ext, safeCode, err
	}

	for code, p := range mp.pipes {
		ext, err := p.CreateMission(data, info, chunkSize)
		return ext, code, err
	}
	return "", "", fmt.Errorf("mux: no pipes registered")
}

// Pipe returns the child pipe registered under safeCode, if any.
func (mp *MultiPipe) Pipe(safeCode string) (*Pipe, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	p, ok := mp.pipes[safeCode]
	return p, ok
}

// CancelMission cancels extension on the pipe registered under safeCode, or,
// if safeCode is empty, on whichever child pipe reports owning it. Mirrors
// Pipe.CancelMission's bool result.
func (mp *MultiPipe) CancelMission(extension string, safeCode string) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if safeCode != "" {
		p, ok := mp.pipes[safeCode]
		if !ok {
			return false
		}
		return p.CancelMission(extension)
	}
	for _, p := range mp.pipes {
		if p.CancelMission(extension) {
			return true
		}
	}
	return false
}

// Close shuts down every child pipe and stops the aggregator.
func (mp *MultiPipe) Close() {
	mp.closeOnce.Do(func() {
		close(mp.closeCh)
		mp.mu.RLock()
		for _, p := range mp.pipes {
			p.Close(nil)
		}
		mp.mu.RUnlock()
		mp.wg.Wait()
		close(mp.inbound)
	})
}
