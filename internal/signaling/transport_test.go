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

package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/agentcp-io/agentcp-go/api/types"
)

func newTestServer(t *testing.T, onConn func(*websocket.Conn)) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(conn)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dialerFor(t *testing.T) Dialer {
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}
}

func TestTransportConnectAndReceiveFrame(t *testing.T) {
	var received atomic.Int32
	srv, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		env := types.Envelope{Sender: "a.x", Receiver: []types.AID{"b.x"}, Message: []types.Block{{Type: types.BlockContent, Content: "hi"}}}
		b, _ := json.Marshal(env)
		_ = conn.WriteMessage(websocket.TextMessage, b)
	})
	defer srv.Close()

	tr, err := New(Config{
		Dialer: dialerFor(t),
		OnFrame: func(e *types.Envelope) {
			received.Add(1)
		},
	})
	require.NoError(t, err)

	ticket := &types.Ticket{SignalingURL: wsURL}
	require.NoError(t, tr.Connect(context.Background(), ticket))
	defer tr.Disconnect()

	require.Eventually(t, func() bool { return received.Load() > 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, StatusConnected, tr.Status())
}

func TestTransportSendQueuesWhileDisconnected(t *testing.T) {
	var mu sync.Mutex
	var frames [][]byte
	connected := make(chan *websocket.Conn, 1)

	srv, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		connected <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			frames = append(frames, data)
			mu.Unlock()
		}
	})
	defer srv.Close()

	tr, err := New(Config{Dialer: dialerFor(t)})
	require.NoError(t, err)

	env := &types.Envelope{Sender: "a.x", Receiver: []types.AID{"b.x"}, Message: []types.Block{{Type: types.BlockContent, Content: "queued"}}}

	// Enqueue before connecting: Send works even in the disconnected state.
	require.NoError(t, tr.Send(env))

	ticket := &types.Ticket{SignalingURL: wsURL}
	require.NoError(t, tr.Connect(context.Background(), ticket))
	defer tr.Disconnect()

	<-connected
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestTransportSendRejectsInvalidEnvelope(t *testing.T) {
	tr, err := New(Config{Dialer: dialerFor(t)})
	require.NoError(t, err)

	err = tr.Send(&types.Envelope{})
	require.Error(t, err)
}

func TestTransportOutboundQueueBoundedWithOldestDrop(t *testing.T) {
	tr, err := New(Config{Dialer: dialerFor(t)})
	require.NoError(t, err)

	for i := 0; i < outboundQueueDepth+10; i++ {
		env := &types.Envelope{Sender: "a.x", Receiver: []types.AID{"b.x"}, Message: []types.Block{{Type: types.BlockContent, Content: strconv.Itoa(i)}}}
		require.NoError(t, tr.Send(env))
	}

	tr.outMu.Lock()
	depth := len(tr.out)
	oldest := tr.out[0]
	tr.outMu.Unlock()
	require.Equal(t, outboundQueueDepth, depth)

	// The first ten frames were dropped, so frame 10 now heads the queue.
	var head types.Envelope
	require.NoError(t, json.Unmarshal(oldest, &head))
	require.Equal(t, "10", head.Message[0].Content)
}

func TestTransportDisconnectIsIdempotent(t *testing.T) {
	srv, wsURL := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	tr, err := New(Config{Dialer: dialerFor(t)})
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background(), &types.Ticket{SignalingURL: wsURL}))

	tr.Disconnect()
	tr.Disconnect()
	require.Equal(t, StatusDisconnected, tr.Status())
}
