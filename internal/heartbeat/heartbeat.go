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

// Package heartbeat implements C3: the UDP presence engine that keeps an
// identity's liveness signal flowing to the heartbeat server, detects
// silent failure, and reconnects without user intervention.
package heartbeat

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/metrics"
)

// State is the engine's lifecycle state.
type State int32

const (
	StateInit State = iota
	StateSigning
	StateSending
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSigning:
		return "Signing"
	case StateSending:
		return "Sending"
	case StateReconnecting:
		return "Reconnecting"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

const protocolVersion = 1

const notAuthenticatedCode = 401

// Signer signs outgoing heartbeat datagrams.
type Signer = types.Signer

// Authenticator re-establishes a presence ticket when the heartbeat
// server rejects the current one, or when reconnecting after socket loss.
type Authenticator interface {
	SignIn(ctx context.Context, signer Signer) (*types.Ticket, error)
}

// PayloadHandler receives the raw bytes of a heartbeat response payload
// that isn't a reauthentication signal, for delivery to the session layer.
type PayloadHandler func(payload []byte)

// Config configures an Engine. Fields left zero are filled in by
// CheckAndSetDefaults.
type Config struct {
	Signer   Signer
	Auth     Authenticator
	Ticket   *types.Ticket
	OnPacket PayloadHandler

	MaxSendFailures       int
	MaxRecvFailures       int
	MaxMissedHeartbeats   int
	SocketTimeout         time.Duration
	ReconnectBackoffInit  time.Duration
	ReconnectBackoffMax   time.Duration
	ReconnectMinInterval  time.Duration
	Interval              time.Duration

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing Signer")
	}
	if c.Auth == nil {
		return trace.BadParameter("missing Authenticator")
	}
	if c.Ticket == nil {
		return trace.BadParameter("missing Ticket")
	}
	if c.MaxSendFailures == 0 {
		c.MaxSendFailures = 3
	}
	if c.MaxRecvFailures == 0 {
		c.MaxRecvFailures = 3
	}
	if c.MaxMissedHeartbeats == 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = time.Second
	}
	if c.ReconnectBackoffInit == 0 {
		c.ReconnectBackoffInit = time.Second
	}
	if c.ReconnectBackoffMax == 0 {
		c.ReconnectBackoffMax = 30 * time.Second
	}
	if c.ReconnectMinInterval == 0 {
		c.ReconnectMinInterval = 5 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = c.Ticket.IntervalHint
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "heartbeat")
	}
	return nil
}

// Engine is the C3 heartbeat state machine for a single online identity.
type Engine struct {
	cfg Config

	state atomic.Int32

	socketMu sync.Mutex
	conn     net.Conn

	reconnectMu     sync.Mutex
	lastReconnectAt time.Time

	sendFailures atomic.Int32
	recvFailures atomic.Int32

	lastResponseMu sync.Mutex
	lastResponse   time.Time
	everResponded  atomic.Bool

	ticketMu sync.Mutex
	ticket   *types.Ticket

	stopCh   chan struct{}
	stopOnce sync.Once
	doneSend chan struct{}
	doneRecv chan struct{}
}

// New constructs a heartbeat Engine. It does not start any loop.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{
		cfg:      cfg,
		ticket:   cfg.Ticket,
		stopCh:   make(chan struct{}),
		doneSend: make(chan struct{}),
		doneRecv: make(chan struct{}),
	}
	e.state.Store(int32(StateInit))
	return e, nil
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) currentTicket() *types.Ticket {
	e.ticketMu.Lock()
	defer e.ticketMu.Unlock()
	return e.ticket
}

// Start binds the UDP socket and launches the send and receive loops.
func (e *Engine) Start(ctx context.Context) error {
	e.setState(StateSigning)
	if err := e.bind(e.currentTicket()); err != nil {
		return trace.Wrap(err)
	}
	e.setState(StateSending)
	go e.sendLoop(ctx)
	go e.recvLoop(ctx)
	return nil
}

func (e *Engine) bind(ticket *types.Ticket) error {
	addr := net.JoinHostPort(ticket.HeartbeatHost, strconv.Itoa(ticket.HeartbeatPort))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return trace.ConnectionProblem(err, "dialing heartbeat server %s", addr)
	}

	e.socketMu.Lock()
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.conn = conn
	e.socketMu.Unlock()

	e.sendFailures.Store(0)
	e.recvFailures.Store(0)
	e.lastResponseMu.Lock()
	e.lastResponse = time.Time{}
	e.lastResponseMu.Unlock()
	e.everResponded.Store(false)
	return nil
}

// Stop performs the critical shutdown sequence: clear the run flag, close
// the socket to unblock the receive loop, then wait for both loops to
// exit within a bounded timeout.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)

		e.socketMu.Lock()
		if e.conn != nil {
			_ = e.conn.Close()
		}
		e.socketMu.Unlock()

		timeout := time.NewTimer(3 * time.Second)
		defer timeout.Stop()
		for i := 0; i < 2; i++ {
			select {
			case <-e.doneSend:
			case <-e.doneRecv:
			case <-timeout.C:
				e.cfg.Log.Warn("heartbeat shutdown exceeded bounded join timeout")
				e.setState(StateStopped)
				return
			}
		}
		e.setState(StateStopped)
	})
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) sendLoop(ctx context.Context) {
	defer close(e.doneSend)
	backoffDur := e.cfg.ReconnectBackoffInit

	for !e.stopped() {
		ticket := e.currentTicket()
		interval := e.cfg.Interval
		if ticket.IntervalHint > 0 {
			interval = ticket.IntervalHint
		}

		e.lastResponseMu.Lock()
		last := e.lastResponse
		e.lastResponseMu.Unlock()

		if e.everResponded.Load() && e.cfg.Clock.Now().Sub(last) > time.Duration(e.cfg.MaxMissedHeartbeats)*interval {
			e.triggerReconnect(ctx)
			backoffDur = e.cfg.ReconnectBackoffInit
			continue
		}

		if err := e.sendOnce(); err != nil {
			metrics.HeartbeatSendFailures.Inc()
			failures := e.sendFailures.Add(1)
			if int(failures) >= e.cfg.MaxSendFailures {
				e.triggerReconnect(ctx)
				e.sendFailures.Store(0)
				backoffDur = e.cfg.ReconnectBackoffInit
				continue
			}
			e.sleepInterruptible(backoffDur)
			backoffDur *= 2
			if backoffDur > e.cfg.ReconnectBackoffMax {
				backoffDur = e.cfg.ReconnectBackoffMax
			}
			continue
		}
		e.sendFailures.Store(0)
		backoffDur = e.cfg.ReconnectBackoffInit
		e.sleepInterruptible(interval)
	}
}

// sleepInterruptible sleeps d, waking early if the engine is asked to stop.
func (e *Engine) sleepInterruptible(d time.Duration) {
	timer := e.cfg.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
	case <-e.stopCh:
	}
}

func (e *Engine) sendOnce() error {
	e.socketMu.Lock()
	conn := e.conn
	e.socketMu.Unlock()
	if conn == nil {
		return trace.ConnectionProblem(nil, "no socket bound")
	}

	aid := string(e.cfg.Signer.AID())
	ts := uint64(e.cfg.Clock.Now().Unix())
	payload := encodeHeartbeatPayload(aid, ts)
	sig, err := e.cfg.Signer.Sign(payload)
	if err != nil {
		return trace.Wrap(err, "signing heartbeat")
	}

	datagram := encodeHeartbeatDatagram(aid, ts, sig)

	e.socketMu.Lock()
	_, err = conn.Write(datagram)
	e.socketMu.Unlock()
	if err != nil {
		return trace.ConnectionProblem(err, "writing heartbeat datagram")
	}
	return nil
}

func (e *Engine) recvLoop(ctx context.Context) {
	defer close(e.doneRecv)

	for !e.stopped() {
		e.socketMu.Lock()
		conn := e.conn
		e.socketMu.Unlock()
		if conn == nil {
			e.sleepInterruptible(e.cfg.SocketTimeout)
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(e.cfg.SocketTimeout))
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if e.stopped() {
				return
			}
			metrics.HeartbeatRecvFailures.Inc()
			failures := e.recvFailures.Add(1)
			if int(failures) >= e.cfg.MaxRecvFailures {
				e.triggerReconnect(ctx)
			}
			continue
		}

		e.recvFailures.Store(0)
		e.lastResponseMu.Lock()
		e.lastResponse = e.cfg.Clock.Now()
		e.lastResponseMu.Unlock()
		e.everResponded.Store(true)

		code, _, payload, perr := decodeHeartbeatResponse(buf[:n])
		if perr != nil {
			e.cfg.Log.WithError(perr).Warn("malformed heartbeat response")
			continue
		}
		if code == notAuthenticatedCode {
			e.triggerReconnect(ctx)
			continue
		}
		if e.cfg.OnPacket != nil {
			e.cfg.OnPacket(payload)
		}
	}
}

// triggerReconnect serializes on the reconnect mutex and enforces
// RECONNECT_MIN_INTERVAL. It never gives up: sign-in failures are retried
// with their own exponential backoff instead of abandoning the engine.
func (e *Engine) triggerReconnect(ctx context.Context) {
	e.reconnectMu.Lock()
	defer e.reconnectMu.Unlock()

	if since := e.cfg.Clock.Now().Sub(e.lastReconnectAt); since < e.cfg.ReconnectMinInterval && !e.lastReconnectAt.IsZero() {
		e.sleepInterruptible(e.cfg.ReconnectMinInterval - since)
	}
	if e.stopped() {
		return
	}

	e.setState(StateReconnecting)
	metrics.HeartbeatReconnects.Inc()

	e.socketMu.Lock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.socketMu.Unlock()

	backoffDur := e.cfg.ReconnectBackoffInit
	for !e.stopped() {
		ticket, err := e.cfg.Auth.SignIn(ctx, e.cfg.Signer)
		if err != nil {
			e.cfg.Log.WithError(err).Warn("reconnect sign_in failed, retrying")
			e.sleepInterruptible(backoffDur)
			backoffDur *= 2
			if backoffDur > e.cfg.ReconnectBackoffMax {
				backoffDur = e.cfg.ReconnectBackoffMax
			}
			continue
		}
		e.ticketMu.Lock()
		e.ticket = ticket
		e.ticketMu.Unlock()

		if err := e.bind(ticket); err != nil {
			e.cfg.Log.WithError(err).Warn("reconnect bind failed, retrying")
			e.sleepInterruptible(backoffDur)
			backoffDur *= 2
			if backoffDur > e.cfg.ReconnectBackoffMax {
				backoffDur = e.cfg.ReconnectBackoffMax
			}
			continue
		}
		break
	}

	e.lastReconnectAt = e.cfg.Clock.Now()
	if !e.stopped() {
		e.setState(StateSending)
	}
}

func encodeHeartbeatPayload(aid string, ts uint64) []byte {
	buf := make([]byte, 0, len(aid)+8)
	buf = append(buf, []byte(aid)...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, ts)
	return append(buf, tsBytes...)
}

// encodeHeartbeatDatagram builds [ver:u8][aid_len:u8][aid][ts:u64 be][sig_len:u16 be][signature].
func encodeHeartbeatDatagram(aid string, ts uint64, sig []byte) []byte {
	buf := make([]byte, 0, 1+1+len(aid)+8+2+len(sig))
	buf = append(buf, protocolVersion)
	buf = append(buf, byte(len(aid)))
	buf = append(buf, []byte(aid)...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, ts)
	buf = append(buf, tsBytes...)
	sigLen := make([]byte, 2)
	binary.BigEndian.PutUint16(sigLen, uint16(len(sig)))
	buf = append(buf, sigLen...)
	buf = append(buf, sig...)
	return buf
}

// decodeHeartbeatResponse parses [ver:u8][code:i32 be][next_beat:u32 be].
func decodeHeartbeatResponse(data []byte) (code int32, nextBeat uint32, payload []byte, err error) {
	if len(data) < 9 {
		return 0, 0, nil, trace.BadParameter("heartbeat response too short: %d bytes", len(data))
	}
	code = int32(binary.BigEndian.Uint32(data[1:5]))
	nextBeat = binary.BigEndian.Uint32(data[5:9])
	payload = data[9:]
	return code, nextBeat, payload, nil
}
