/*
Copyright 2024 The AgentCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package session implements C5: session lifecycle, the invite
// handshake, streamed-message assembly, and handler dispatch over a
// signalling transport.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/codec"
)

// InviteStatus is the outcome of an invite handshake.
type InviteStatus string

const (
	InviteAccepted InviteStatus = "accepted"
	InviteTimeout  InviteStatus = "timeout"
	InviteRejected InviteStatus = "rejected"
)

// Handler processes an incoming envelope. It returns true to claim the
// envelope (stopping further global-handler dispatch); session-scoped
// handlers always claim exclusively regardless of their return value.
type Handler func(*types.Envelope) bool

// ReplyHandler is invoked with a reply envelope, used by QuickSend.
type ReplyHandler func(*types.Envelope)

// Frame is the minimal capability the session manager needs from the
// signalling transport: sending an already-addressed envelope.
type Frame interface {
	Send(*types.Envelope) error
}

// Config configures a Manager.
type Config struct {
	SelfAID       types.AID
	Transport     Frame
	InviteTimeout time.Duration
	Clock         clockwork.Clock
	Log           logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.SelfAID == "" {
		return trace.BadParameter("missing SelfAID")
	}
	if c.Transport == nil {
		return trace.BadParameter("missing Transport")
	}
	if c.InviteTimeout == 0 {
		c.InviteTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "session")
	}
	return nil
}

type sessionState struct {
	id              string
	name            string
	subject         string
	identifyingCode string
	participants    map[types.AID]bool
}

type registeredHandler struct {
	id        uint64
	sessionID string // empty means global
	fn        Handler
}

type streamAssembly struct {
	chunks map[int]types.Block
	next   int
}

// Manager is the C5 session manager for a single online identity.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionState
	handlers []*registeredHandler
	nextHID  uint64

	dedupe *codec.Dedupe

	streamMu sync.Mutex
	streams  map[string]*streamAssembly // keyed by session_id+sender

	// dispatch is sharded by session_id, one queue per worker: every
	// envelope for a given session always lands on the same shard, so a
	// single worker processes that session's envelopes strictly in the
	// order the transport's read loop received them. Only envelopes from
	// distinct sessions are ever handled concurrently.
	dispatch []chan *types.Envelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const dispatchWorkers = 4
const dispatchQueueDepth = 512

// New constructs a Manager and starts its dispatch workers.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
		dedupe:   codec.NewDedupe(),
		streams:  make(map[string]*streamAssembly),
		dispatch: make([]chan *types.Envelope, dispatchWorkers),
		stopCh:   make(chan struct{}),
	}
	for i := range m.dispatch {
		m.dispatch[i] = make(chan *types.Envelope, dispatchQueueDepth)
	}
	for i := 0; i < dispatchWorkers; i++ {
		m.wg.Add(1)
		go m.dispatchLoop(m.dispatch[i])
	}
	return m, nil
}

// shardFor picks the fixed worker responsible for sessionID, so every
// envelope belonging to the same session is always queued and processed
// by the same goroutine.
func shardFor(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % dispatchWorkers)
}

// Stop halts dispatch workers. No new envelopes are accepted after Stop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// CreateSession allocates a new session and identifying code.
func (m *Manager) CreateSession(name, subject string) (sessionID, identifyingCode string) {
	sessionID = uuid.NewString()
	identifyingCode = uuid.NewString()[:8]

	m.mu.Lock()
	m.sessions[sessionID] = &sessionState{
		id:              sessionID,
		name:            name,
		subject:         subject,
		identifyingCode: identifyingCode,
		participants:    map[types.AID]bool{m.cfg.SelfAID: true},
	}
	m.mu.Unlock()
	return sessionID, identifyingCode
}

// Invite sends an invite frame to target and blocks until accepted,
// rejected, or the invite timeout elapses.
func (m *Manager) Invite(target types.AID, sessionID string, onStatus func(InviteStatus)) error {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return trace.NotFound("unknown session %s", sessionID)
	}

	env := &types.Envelope{
		Type:      types.EnvelopeInvite,
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Sender:    m.cfg.SelfAID,
		Receiver:  []types.AID{target},
		Message: []types.Block{{
			Type:    types.BlockContent,
			Content: st.identifyingCode,
		}},
	}
	if err := m.cfg.Transport.Send(env); err != nil {
		return trace.Wrap(err)
	}

	ackCh := make(chan InviteStatus, 1)
	handlerID := m.AddHandler(func(e *types.Envelope) bool {
		if e.Type != types.EnvelopeInviteAck || e.SessionID != sessionID {
			return false
		}
		if e.ContentString() == st.identifyingCode {
			ackCh <- InviteAccepted
		} else {
			ackCh <- InviteRejected
		}
		return true
	}, sessionID)
	defer m.RemoveHandler(handlerID)

	timer := m.cfg.Clock.NewTimer(m.cfg.InviteTimeout)
	defer timer.Stop()

	select {
	case status := <-ackCh:
		m.mu.Lock()
		if status == InviteAccepted {
			st.participants[target] = true
		}
		m.mu.Unlock()
		if onStatus != nil {
			onStatus(status)
		}
		return nil
	case <-timer.Chan():
		if onStatus != nil {
			onStatus(InviteTimeout)
		}
		return trace.ConnectionProblem(nil, "invite to %s timed out", target)
	}
}

// ConnectTo is the create-then-invite composite.
func (m *Manager) ConnectTo(target types.AID) (sessionID string, err error) {
	sessionID, _ = m.CreateSession("", "")
	if err := m.Invite(target, sessionID, nil); err != nil {
		return "", trace.Wrap(err)
	}
	return sessionID, nil
}

// Send addresses an envelope to the given recipients within sessionID.
func (m *Manager) Send(sessionID string, to []types.AID, env *types.Envelope) error {
	env.SessionID = sessionID
	env.Sender = m.cfg.SelfAID
	env.Receiver = to
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Type == "" {
		env.Type = types.EnvelopeMsg
	}
	return m.cfg.Transport.Send(env)
}

// SendStream sends chunks as a sequence of stream_chunk blocks, a final
// chunk_index = -1 block marking the end of stream.
func (m *Manager) SendStream(sessionID string, to []types.AID, chunks <-chan string) error {
	idx := 0
	for chunk := range chunks {
		env := &types.Envelope{
			Type:      types.EnvelopeMsg,
			MessageID: uuid.NewString(),
			SessionID: sessionID,
			Sender:    m.cfg.SelfAID,
			Receiver:  to,
			Message: []types.Block{{
				Type:       types.BlockStreamChunk,
				Content:    chunk,
				ChunkIndex: idx,
			}},
		}
		if err := m.cfg.Transport.Send(env); err != nil {
			return trace.Wrap(err)
		}
		idx++
	}
	term := &types.Envelope{
		Type:      types.EnvelopeMsg,
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Sender:    m.cfg.SelfAID,
		Receiver:  to,
		Message: []types.Block{{
			Type:       types.BlockStreamChunk,
			ChunkIndex: types.StreamTerminator,
		}},
	}
	return m.cfg.Transport.Send(term)
}

// Reply addresses a new envelope one hop back to the sender of source,
// setting ref_msg_id to source's message id.
func (m *Manager) Reply(source, env *types.Envelope) error {
	env.SessionID = source.SessionID
	env.Sender = m.cfg.SelfAID
	env.Receiver = []types.AID{source.Sender}
	env.RefMsgID = source.MessageID
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Type == "" {
		env.Type = types.EnvelopeMsg
	}
	return m.cfg.Transport.Send(env)
}

// AddHandler registers fn. If sessionID is non-empty the handler is
// session-scoped and claims matching envelopes exclusively; an empty
// sessionID registers a global handler.
func (m *Manager) AddHandler(fn Handler, sessionID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHID++
	id := m.nextHID
	m.handlers = append(m.handlers, &registeredHandler{id: id, sessionID: sessionID, fn: fn})
	return id
}

// RemoveHandler unregisters a handler by id. Safe to call concurrently
// with dispatch, including from within a running handler.
func (m *Manager) RemoveHandler(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.handlers {
		if h.id == id {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// QuickSend composes create_session + invite + send + a one-shot reply
// handler auto-removed on first reply.
func (m *Manager) QuickSend(target types.AID, env *types.Envelope, onReply ReplyHandler) (sessionID string, err error) {
	sessionID, err = m.ConnectTo(target)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := m.Send(sessionID, []types.AID{target}, env); err != nil {
		return "", trace.Wrap(err)
	}

	var handlerID uint64
	handlerID = m.AddHandler(func(e *types.Envelope) bool {
		if e.RefMsgID != env.MessageID {
			return false
		}
		if onReply != nil {
			onReply(e)
		}
		m.RemoveHandler(handlerID)
		return true
	}, sessionID)

	return sessionID, nil
}

// OnIncoming is the entry point the signalling transport calls for every
// frame it reads. It never blocks the caller: the envelope is queued for
// a dispatch worker.
func (m *Manager) OnIncoming(env *types.Envelope) {
	select {
	case <-m.stopCh:
		return
	default:
	}
	ch := m.dispatch[shardFor(env.SessionID)]
	select {
	case ch <- env:
	default:
		m.cfg.Log.Warn("dispatch queue full, dropping envelope")
	}
}

func (m *Manager) dispatchLoop(ch chan *types.Envelope) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case env := <-ch:
			m.process(env)
		}
	}
}

func (m *Manager) process(env *types.Envelope) {
	if m.dedupe.SeenBefore(env.SessionID, env.MessageID) {
		return
	}

	if assembled := m.assembleStream(env); assembled == nil {
		return
	} else if assembled != env {
		env = assembled
	}

	m.mu.RLock()
	var sessionScoped []*registeredHandler
	var global []*registeredHandler
	for _, h := range m.handlers {
		if h.sessionID != "" && h.sessionID == env.SessionID {
			sessionScoped = append(sessionScoped, h)
		} else if h.sessionID == "" {
			global = append(global, h)
		}
	}
	m.mu.RUnlock()

	// A session-scoped handler claims the envelope exclusively: global
	// handlers never also see it.
	if len(sessionScoped) > 0 {
		for _, h := range sessionScoped {
			h.fn(env)
		}
		return
	}
	for _, h := range global {
		if h.fn(env) {
			return
		}
	}
}

// assembleStream buffers stream_chunk blocks until the terminator
// arrives, then returns the reassembled envelope holding the contiguous
// run of chunks from index 0. Non-stream envelopes pass through
// unchanged. Returns nil for every non-terminator chunk (it is buffered)
// and for a terminator with nothing buffered.
func (m *Manager) assembleStream(env *types.Envelope) *types.Envelope {
	if len(env.Message) == 0 || env.Message[0].Type != types.BlockStreamChunk {
		return env
	}

	key := env.SessionID + "|" + string(env.Sender)
	m.streamMu.Lock()
	defer m.streamMu.Unlock()

	asm, ok := m.streams[key]
	if !ok {
		asm = &streamAssembly{chunks: make(map[int]types.Block)}
		m.streams[key] = asm
	}

	block := env.Message[0]
	if block.ChunkIndex == types.StreamTerminator {
		// Flush whatever contiguous run we have. A gap is only logged: the
		// chunks after it are dropped and no error reaches the handlers.
		delete(m.streams, key)
		if len(asm.chunks) == 0 {
			return nil
		}
		merged := *env
		merged.Message = make([]types.Block, 0, len(asm.chunks))
		for i := 0; i < asm.next; i++ {
			b, ok := asm.chunks[i]
			if !ok {
				m.cfg.Log.Warnf("stream %s: gap at chunk %d", key, i)
				break
			}
			merged.Message = append(merged.Message, b)
		}
		return &merged
	}

	asm.chunks[block.ChunkIndex] = block
	if block.ChunkIndex >= asm.next {
		asm.next = block.ChunkIndex + 1
	}
	return nil
}
