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

// Package signaling implements C4: the framed bidirectional websocket
// connection that carries JSON envelopes between an identity and the
// signalling server named in its presence ticket.
package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/metrics"
)

// Status is the transport's connection state.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// outboundQueueDepth bounds the number of frames queued while the
// transport is disconnected or reconnecting. Once full, the oldest
// queued frame is dropped to make room for the newest.
const outboundQueueDepth = 256

const (
	reconnectBackoffInit = time.Second
	reconnectBackoffMax  = 30 * time.Second
)

// FrameHandler receives every decoded envelope read off the wire.
type FrameHandler func(*types.Envelope)

// Dialer abstracts the websocket dial so tests can substitute a fake
// server without requiring a live TLS listener.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// Config configures a Transport.
type Config struct {
	Dialer  Dialer
	OnFrame FrameHandler
	Log     logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Dialer == nil {
		c.Dialer = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return nil, trace.ConnectionProblem(err, "dialing signalling server %s", url)
			}
			return conn, nil
		}
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "signaling")
	}
	return nil
}

// Transport is the C4 signalling connection for a single online identity.
type Transport struct {
	cfg Config

	statusMu sync.RWMutex
	status   Status

	connMu sync.Mutex
	conn   *websocket.Conn
	url    string

	outMu sync.Mutex
	out   [][]byte

	stopCh   chan struct{}
	stopOnce sync.Once

	sendSignal chan struct{}
}

// New constructs a Transport. Call Connect to dial.
func New(cfg Config) (*Transport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Transport{
		cfg:        cfg,
		status:     StatusDisconnected,
		stopCh:     make(chan struct{}),
		sendSignal: make(chan struct{}, 1),
	}, nil
}

func (t *Transport) Status() Status {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.status
}

func (t *Transport) setStatus(s Status) {
	t.statusMu.Lock()
	t.status = s
	t.statusMu.Unlock()
}

// Connect dials the signalling server named in ticket and starts the
// read and write pumps.
func (t *Transport) Connect(ctx context.Context, ticket *types.Ticket) error {
	t.url = ticket.SignalingURL
	t.setStatus(StatusConnecting)
	if err := t.dial(ctx); err != nil {
		t.setStatus(StatusError)
		return trace.Wrap(err)
	}
	t.setStatus(StatusConnected)
	go t.readLoop()
	go t.writeLoop()
	return nil
}

func (t *Transport) dial(ctx context.Context) error {
	conn, err := t.cfg.Dialer(ctx, t.url)
	if err != nil {
		return trace.Wrap(err)
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	return nil
}

// Send enqueues frame for delivery. While connected it is written
// immediately; while disconnected or reconnecting it is queued, dropping
// the oldest queued frame if the bounded queue is full.
func (t *Transport) Send(env *types.Envelope) error {
	if err := env.Validate(); err != nil {
		return trace.Wrap(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}

	t.outMu.Lock()
	if len(t.out) >= outboundQueueDepth {
		t.out = t.out[1:]
		metrics.SignalingQueueDrops.Inc()
	}
	t.out = append(t.out, data)
	t.outMu.Unlock()

	select {
	case t.sendSignal <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) writeLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.sendSignal:
		}
		for {
			t.outMu.Lock()
			if len(t.out) == 0 {
				t.outMu.Unlock()
				break
			}
			frame := t.out[0]
			t.outMu.Unlock()

			if t.Status() != StatusConnected {
				break
			}

			t.connMu.Lock()
			conn := t.conn
			t.connMu.Unlock()
			if conn == nil {
				break
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				t.cfg.Log.WithError(err).Warn("signalling write failed")
				go t.reconnect()
				break
			}

			t.outMu.Lock()
			if len(t.out) > 0 {
				t.out = t.out[1:]
			}
			t.outMu.Unlock()
		}
	}
}

func (t *Transport) readLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.cfg.Log.WithError(err).Warn("signalling read failed, reconnecting")
			// reconnect() spawns a fresh readLoop on success (or is a no-op
			// if a reconnect triggered by the write loop is already under
			// way). Either way this loop must stop reading the old/errored
			// conn now: gorilla forbids concurrent readers on one conn, and
			// returning keeps exactly one readLoop alive at a time.
			t.reconnect()
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.cfg.Log.WithError(err).Warn("malformed signalling frame")
			continue
		}
		if t.cfg.OnFrame != nil {
			t.cfg.OnFrame(&env)
		}
	}
}

// reconnect redials with exponential backoff from 1s to 30s. It updates
// status to Reconnecting for the duration and back to Connected on
// success; outbound frames keep queuing (bounded) while it runs.
func (t *Transport) reconnect() {
	if t.Status() == StatusReconnecting {
		return
	}
	t.setStatus(StatusReconnecting)
	metrics.SignalingReconnects.Inc()

	backoffDur := reconnectBackoffInit
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			t.setStatus(StatusConnected)
			select {
			case t.sendSignal <- struct{}{}:
			default:
			}
			go t.readLoop()
			return
		}

		t.cfg.Log.WithError(err).Warn("signalling reconnect failed, retrying")
		select {
		case <-time.After(backoffDur):
		case <-t.stopCh:
			return
		}
		backoffDur *= 2
		if backoffDur > reconnectBackoffMax {
			backoffDur = reconnectBackoffMax
		}
	}
}

// Disconnect closes the transport permanently.
func (t *Transport) Disconnect() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.connMu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()
		t.setStatus(StatusDisconnected)
	})
}
