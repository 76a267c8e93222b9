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

package heartbeat

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentcp-io/agentcp-go/api/types"
)

type fakeSigner struct{ aid types.AID }

func (f fakeSigner) AID() types.AID                       { return f.aid }
func (f fakeSigner) Sign(payload []byte) ([]byte, error) { return []byte("sig"), nil }

type fakeAuth struct {
	mu     sync.Mutex
	calls  int32
	ticket *types.Ticket
	err    error
}

func (a *fakeAuth) SignIn(ctx context.Context, signer Signer) (*types.Ticket, error) {
	atomic.AddInt32(&a.calls, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.ticket, nil
}

// fakeHeartbeatServer is a minimal UDP echo server that always answers
// code 0 (ok), used to exercise the send/recv loops end to end.
type fakeHeartbeatServer struct {
	conn *net.UDPConn
	stop chan struct{}
}

func newFakeHeartbeatServer(t *testing.T) *fakeHeartbeatServer {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	s := &fakeHeartbeatServer{conn: conn, stop: make(chan struct{})}
	go s.serve()
	return s
}

func (s *fakeHeartbeatServer) serve() {
	buf := make([]byte, 1024)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		_ = n
		resp := make([]byte, 9)
		resp[0] = protocolVersion
		binary.BigEndian.PutUint32(resp[1:5], 0)
		binary.BigEndian.PutUint32(resp[5:9], 10)
		_, _ = s.conn.WriteToUDP(resp, addr)
	}
}

func (s *fakeHeartbeatServer) hostPort() (string, int) {
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	return "127.0.0.1", addr.Port
}

func (s *fakeHeartbeatServer) Close() {
	close(s.stop)
	_ = s.conn.Close()
}

func TestEngineSendsAndReceivesHeartbeats(t *testing.T) {
	srv := newFakeHeartbeatServer(t)
	defer srv.Close()
	host, port := srv.hostPort()

	var received atomic.Int32
	e, err := New(Config{
		Signer: fakeSigner{aid: "alice.example.com"},
		Auth:   &fakeAuth{},
		Ticket: &types.Ticket{HeartbeatHost: host, HeartbeatPort: port, IntervalHint: 20 * time.Millisecond},
		OnPacket: func(payload []byte) {
			received.Add(1)
		},
		Interval:      20 * time.Millisecond,
		SocketTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		return received.Load() > 0
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, StateSending, e.State())
}

func TestEngineReconnectsOn401(t *testing.T) {
	badAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	badConn, err := net.ListenUDP("udp", badAddr)
	require.NoError(t, err)

	var code401Sent atomic.Bool
	go func() {
		buf := make([]byte, 1024)
		for {
			_ = badConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			_, addr, err := badConn.ReadFromUDP(buf)
			if err != nil {
				if code401Sent.Load() {
					return
				}
				continue
			}
			resp := make([]byte, 9)
			resp[0] = protocolVersion
			binary.BigEndian.PutUint32(resp[1:5], notAuthenticatedCode)
			_, _ = badConn.WriteToUDP(resp, addr)
			code401Sent.Store(true)
		}
	}()
	defer badConn.Close()

	badHost, badPortStr, err := net.SplitHostPort(badConn.LocalAddr().String())
	require.NoError(t, err)
	_ = badPortStr

	freshSrv := newFakeHeartbeatServer(t)
	defer freshSrv.Close()
	freshHost, freshPort := freshSrv.hostPort()

	auth := &fakeAuth{ticket: &types.Ticket{HeartbeatHost: freshHost, HeartbeatPort: freshPort, IntervalHint: 20 * time.Millisecond}}

	badAddrObj := badConn.LocalAddr().(*net.UDPAddr)
	e, err := New(Config{
		Signer:               fakeSigner{aid: "bob.example.com"},
		Auth:                 auth,
		Ticket:               &types.Ticket{HeartbeatHost: badHost, HeartbeatPort: badAddrObj.Port, IntervalHint: 20 * time.Millisecond},
		Interval:             20 * time.Millisecond,
		SocketTimeout:        50 * time.Millisecond,
		ReconnectMinInterval: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&auth.calls) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineShutdownOrderStopsLoops(t *testing.T) {
	srv := newFakeHeartbeatServer(t)
	defer srv.Close()
	host, port := srv.hostPort()

	e, err := New(Config{
		Signer:        fakeSigner{aid: "carol.example.com"},
		Auth:          &fakeAuth{},
		Ticket:        &types.Ticket{HeartbeatHost: host, HeartbeatPort: port, IntervalHint: 10 * time.Millisecond},
		Interval:      10 * time.Millisecond,
		SocketTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	e.Stop()
	require.Equal(t, StateStopped, e.State())

	select {
	case <-e.doneSend:
	default:
		t.Fatal("send loop did not exit")
	}
	select {
	case <-e.doneRecv:
	default:
		t.Fatal("recv loop did not exit")
	}
}

func TestEncodeDecodeHeartbeatDatagram(t *testing.T) {
	dgram := encodeHeartbeatDatagram("alice.example.com", 12345, []byte("signature-bytes"))
	require.Equal(t, byte(protocolVersion), dgram[0])
	require.Equal(t, byte(len("alice.example.com")), dgram[1])

	resp := make([]byte, 9+3)
	resp[0] = protocolVersion
	binary.BigEndian.PutUint32(resp[1:5], 0)
	binary.BigEndian.PutUint32(resp[5:9], 30)
	copy(resp[9:], []byte("abc"))

	code, nextBeat, payload, err := decodeHeartbeatResponse(resp)
	require.NoError(t, err)
	require.EqualValues(t, 0, code)
	require.EqualValues(t, 30, nextBeat)
	require.Equal(t, []byte("abc"), payload)
}

func TestDecodeHeartbeatResponseTooShort(t *testing.T) {
	_, _, _, err := decodeHeartbeatResponse([]byte{1, 2, 3})
	require.Error(t, err)
}
