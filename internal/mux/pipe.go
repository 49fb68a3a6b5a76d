// Package mux splits one bidirectional byte stream into many concurrent
// chunked "missions", each an independently sized transfer, presenting a
// mission-oriented API on top of the frame codec. It is the direct
// generalization of a single-socket request/response stream into many
// interleaved logical transfers.
package mux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tenzoki/meshwire/internal/frame"
	"github.com/tenzoki/meshwire/internal/idgen"
)

// DefaultChunkSize is used by CreateMission when the caller passes 0.
const DefaultChunkSize = 4096

type outMission struct {
	extension string
	chunks    [][]byte
	cursor    int
	total     int
	state     string
}

func (m *outMission) remaining() bool { return m.cursor < len(m.chunks) }

type inMission struct {
	extension string
	total     int
	info      map[string]interface{}
	buf       []byte
	written   int
	state     string
}

// Pipe is the C2 multiplex pipe: one sender goroutine, one receiver
// goroutine, driving a shared transport.
type Pipe struct {
	tr io.Writer
	r  *bufio.Reader

	sendMu    sync.Mutex
	sendPool  map[string]*outMission
	sendOrder []string
	sendIdx   int

	recvMu   sync.Mutex
	recvPool map[string]*inMission
	// cancelledRecently remembers extensions cancelled on the receive side
	// so a late in-flight data frame for them is recognized rather than
	// treated as referring to a never-announced mission; both are fatal
	// protocol errors, but this keeps the error message accurate.
	cancelledRecently map[string]bool

	controlCh chan []byte
	wakeCh    chan struct{}
	recvQueue chan Message

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	writeMu sync.Mutex

	cancelHandler     func(extension string)
	finalErrorHandler func(error)

	log *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Pipe at construction time.
type Option func(*Pipe)

// WithCancelHandler registers a hook fired when a mission is cancelled,
// locally or by the peer.
func WithCancelHandler(fn func(extension string)) Option {
	return func(p *Pipe) { p.cancelHandler = fn }
}

// WithFinalErrorHandler registers a hook fired exactly once when the pipe
// shuts down due to a transport or protocol failure.
func WithFinalErrorHandler(fn func(error)) Option {
	return func(p *Pipe) { p.finalErrorHandler = fn }
}

// WithLogger overrides the default slog logger (mission lifecycle is
// logged at Debug level).
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipe) { p.log = l }
}

// NewPipe builds a Pipe over tr. Call Start to spawn its goroutines.
func NewPipe(tr io.ReadWriter, opts ...Option) *Pipe {
	p := &Pipe{
		tr:                tr,
		r:                 frame.BufferedReader(tr),
		sendPool:          make(map[string]*outMission),
		recvPool:          make(map[string]*inMission),
		cancelledRecently: make(map[string]bool),
		controlCh:         make(chan []byte, 64),
		wakeCh:            make(chan struct{}, 1),
		recvQueue:         make(chan Message, 64),
		closeCh:           make(chan struct{}),
		log:               slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start spawns the sender and receiver goroutines. It must be called
// exactly once.
func (p *Pipe) Start() {
	p.wg.Add(2)
	go p.sender()
	go p.receiver()
}

// Close shuts the pipe down. It is safe to call multiple times and from
// any goroutine; only the first call has effect. The pipe is one-shot:
// it cannot be restarted after Close.
func (p *Pipe) Close(cause error) error {
	p.closeOnce.Do(func() {
		p.closeErr = cause
		close(p.closeCh)
		if p.finalErrorHandler != nil && cause != nil {
			p.finalErrorHandler(cause)
		}
	})
	return nil
}

func (p *Pipe) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Pipe) writeFrame(ext string, meta []byte) error {
	encoded, err := frame.Encode(ext, meta)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.tr.Write(encoded)
	return err
}

// CreateMission splits data into chunks and queues it for transmission,
// returning the mission's extension id. chunkSize <= 0 uses
// DefaultChunkSize.
func (p *Pipe) CreateMission(data []byte, info map[string]interface{}, chunkSize int) (string, error) {
	select {
	case <-p.closeCh:
		return "", ErrPipeClosed{}
	default:
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if info == nil {
		info = map[string]interface{}{}
	}

	extension := idgen.MissionCode()
	chunks := splitChunks(data, chunkSize)

	meta, err := json.Marshal(announceMeta{Extension: extension, Length: len(data), Info: info})
	if err != nil {
		return "", fmt.Errorf("mux: marshal announce meta: %w", err)
	}
	announceFrame, err := frame.Encode(extTypeMission, meta)
	if err != nil {
		return "", err
	}

	select {
	case p.controlCh <- announceFrame:
	case <-p.closeCh:
		return "", ErrPipeClosed{}
	}

	mission := &outMission{extension: extension, chunks: chunks, total: len(data), state: StateAnnounced}

	p.sendMu.Lock()
	p.sendPool[extension] = mission
	if len(chunks) > 0 {
		p.sendOrder = append(p.sendOrder, extension)
	} else {
		mission.state = StateCompleted
	}
	p.sendMu.Unlock()

	p.log.Debug("mission announced", "extension", extension, "length", len(data), "chunks", len(chunks))
	p.wake()
	return extension, nil
}

func splitChunks(data []byte, chunkSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, 0, n)
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// CancelMission cancels an outgoing mission: remaining queued chunks are
// dropped, a cancel_mission control frame is emitted, and the cancel
// handler (if any) fires. Returns false if the mission is unknown or
// already finished.
func (p *Pipe) CancelMission(extension string) bool {
	p.sendMu.Lock()
	mission, ok := p.sendPool[extension]
	if !ok || mission.state == StateCompleted || mission.state == StateCancelled || mission.state == StateFailed {
		p.sendMu.Unlock()
		return false
	}
	mission.state = StateCancelled
	mission.chunks = nil
	mission.cursor = 0
	p.removeFromOrder(extension)
	p.sendMu.Unlock()

	meta, _ := json.Marshal(cancelMeta{Extension: extension})
	cancelFrame, err := frame.Encode(extTypeCancel, meta)
	if err == nil {
		select {
		case p.controlCh <- cancelFrame:
		case <-p.closeCh:
		}
	}

	if p.cancelHandler != nil {
		p.cancelHandler(extension)
	}
	p.log.Debug("mission cancelled locally", "extension", extension)
	return true
}

// removeFromOrder must be called with sendMu held.
func (p *Pipe) removeFromOrder(extension string) {
	for i, e := range p.sendOrder {
		if e == extension {
			p.sendOrder = append(p.sendOrder[:i], p.sendOrder[i+1:]...)
			if p.sendIdx > i {
				p.sendIdx--
			}
			break
		}
	}
}

// Recv blocks until a completed mission is available, the context is
// cancelled, or the pipe closes. Missions already reassembled before the
// pipe shut down are still delivered.
func (p *Pipe) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.recvQueue:
		return msg, nil
	default:
	}
	select {
	case msg := <-p.recvQueue:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-p.closeCh:
		return Message{}, ErrPipeClosed{}
	}
}

// Err returns the cause passed to Close, or nil if the pipe is still
// running or was closed without an error cause.
func (p *Pipe) Err() error { return p.closeErr }

// Done returns a channel closed when the pipe shuts down.
func (p *Pipe) Done() <-chan struct{} { return p.closeCh }

// sender drains the control queue (priority) and otherwise round-robins
// one chunk at a time across active outgoing missions, so no single large
// mission starves a concurrent small one.
func (p *Pipe) sender() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case ctrl := <-p.controlCh:
			if err := p.writeRaw(ctrl); err != nil {
				p.Close(fmt.Errorf("mux: sender transport write failed: %w", err))
				return
			}
			continue
		default:
		}

		extension, chunk, done, ok := p.nextChunk()
		if ok {
			ext := extTypeData(extension)
			if err := p.writeFrame(ext, chunk); err != nil {
				p.Close(fmt.Errorf("mux: sender transport write failed: %w", err))
				return
			}
			if done {
				completeMeta, _ := json.Marshal(cancelMeta{Extension: extension})
				_ = p.writeFrame(extTypeComplete, completeMeta)
				p.log.Debug("mission completed (send side)", "extension", extension)
			}
			continue
		}

		select {
		case <-p.closeCh:
			return
		case ctrl := <-p.controlCh:
			if err := p.writeRaw(ctrl); err != nil {
				p.Close(fmt.Errorf("mux: sender transport write failed: %w", err))
				return
			}
		case <-p.wakeCh:
		}
	}
}

func (p *Pipe) writeRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.tr.Write(b)
	return err
}

// nextChunk finds the next active mission in round-robin order with a
// pending chunk, pops it, and reports whether that was the mission's
// final chunk.
func (p *Pipe) nextChunk() (extension string, chunk []byte, missionDone bool, ok bool) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	n := len(p.sendOrder)
	for i := 0; i < n; i++ {
		idx := (p.sendIdx + i) % n
		ext := p.sendOrder[idx]
		m := p.sendPool[ext]
		if m == nil || !m.remaining() {
			continue
		}
		chunk = m.chunks[m.cursor]
		m.cursor++
		m.state = StateStreaming
		p.sendIdx = (idx + 1) % n
		if !m.remaining() {
			m.state = StateCompleted
			p.removeFromOrder(ext)
		}
		return ext, chunk, !m.remaining(), true
	}
	return "", nil, false, false
}

// receiver decodes frames off the transport, maintaining per-extension
// reassembly state, and surfaces completed missions on recvQueue.
func (p *Pipe) receiver() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		h, err := frame.DecodeHeader(p.r)
		if err != nil {
			p.Close(fmt.Errorf("mux: receiver decode failed: %w", err))
			return
		}
		meta := make([]byte, h.MetaLen)
		if h.MetaLen > 0 {
			if _, err := io.ReadFull(p.r, meta); err != nil {
				p.Close(fmt.Errorf("mux: receiver short read on meta: %w", err))
				return
			}
		}

		if err := p.handleFrame(h.Ext, meta); err != nil {
			p.Close(err)
			return
		}
	}
}

func (p *Pipe) handleFrame(ext string, meta []byte) error {
	var probe typeOnlyExt
	if err := json.Unmarshal([]byte(ext), &probe); err != nil {
		return &ProtocolError{Reason: "extension tag is not a JSON control document", Err: err}
	}

	switch probe.Type {
	case "mission":
		var am announceMeta
		if err := json.Unmarshal(meta, &am); err != nil {
			return &ProtocolError{Reason: "malformed mission announce", Err: err}
		}
		if am.Length == 0 {
			select {
			case p.recvQueue <- Message{Data: nil, Info: am.Info, Extension: am.Extension}:
			case <-p.closeCh:
			}
			p.log.Debug("mission complete (recv side, empty)", "extension", am.Extension)
			return nil
		}
		p.recvMu.Lock()
		p.recvPool[am.Extension] = &inMission{
			extension: am.Extension,
			total:     am.Length,
			info:      am.Info,
			buf:       make([]byte, 0, am.Length),
			state:     StateExpecting,
		}
		delete(p.cancelledRecently, am.Extension)
		p.recvMu.Unlock()
		p.log.Debug("mission announced (recv side)", "extension", am.Extension, "length", am.Length)
		return nil

	case "data":
		var de dataExt
		if err := json.Unmarshal([]byte(ext), &de); err != nil {
			return &ProtocolError{Reason: "malformed data extension", Err: err}
		}
		return p.handleData(de.Extension, meta)

	case "cancel_mission":
		var cm cancelMeta
		if err := json.Unmarshal(meta, &cm); err != nil {
			return &ProtocolError{Reason: "malformed cancel_mission", Err: err}
		}
		p.recvMu.Lock()
		delete(p.recvPool, cm.Extension)
		p.cancelledRecently[cm.Extension] = true
		p.recvMu.Unlock()
		if p.cancelHandler != nil {
			p.cancelHandler(cm.Extension)
		}
		p.log.Debug("mission cancelled (recv side)", "extension", cm.Extension)
		return nil

	case "mission_complete":
		// Sender-visible-only notice; receiver has already surfaced the
		// mission once its buffer reached total length, so this is
		// informational and requires no action.
		return nil

	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown control type %q", probe.Type)}
	}
}

func (p *Pipe) handleData(extension string, chunk []byte) error {
	p.recvMu.Lock()
	m, ok := p.recvPool[extension]
	if !ok {
		wasCancelled := p.cancelledRecently[extension]
		p.recvMu.Unlock()
		if wasCancelled {
			return &ProtocolError{Reason: fmt.Sprintf("data frame for cancelled mission %q", extension)}
		}
		return &ProtocolError{Reason: fmt.Sprintf("data frame for unannounced mission %q", extension)}
	}

	m.buf = append(m.buf, chunk...)
	m.written += len(chunk)
	if m.written > m.total {
		delete(p.recvPool, extension)
		p.recvMu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("mission %q overran declared length %d", extension, m.total)}
	}

	complete := m.written == m.total
	if complete {
		delete(p.recvPool, extension)
	}
	p.recvMu.Unlock()

	if complete {
		msg := Message{Data: m.buf, Info: m.info, Extension: extension}
		select {
		case p.recvQueue <- msg:
		case <-p.closeCh:
		}
		p.log.Debug("mission complete (recv side)", "extension", extension, "length", m.total)
	}
	return nil
}
