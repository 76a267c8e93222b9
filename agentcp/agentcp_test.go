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

package agentcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testFixture wires a fake authority (sign-in/sign-out/CSR), a fake
// signalling server, and a black-hole UDP heartbeat listener so Online
// can run the full C2->C3->C4->C5 composition without touching the network.
type testFixture struct {
	caServer *httptest.Server
	wsServer *httptest.Server
	udpConn  net.PacketConn

	signInCalls  atomic.Int32
	signOutCalls atomic.Int32
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{}

	udpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	f.udpConn = udpConn
	t.Cleanup(func() { udpConn.Close() })
	_, portStr, err := net.SplitHostPort(udpConn.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	f.wsServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Keep the connection open for the duration of the test; don't push
		// any frames, just let it idle.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(f.wsServer.Close)
	wsURL := "ws" + strings.TrimPrefix(f.wsServer.URL, "http")

	mux := http.NewServeMux()
	mux.HandleFunc("/csr", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n"))
	})
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		f.signInCalls.Add(1)
		resp := map[string]any{
			"server_ip": "127.0.0.1",
			"port":      port,
			"interval":  60,
			"ws_url":    wsURL,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/signout", func(w http.ResponseWriter, r *http.Request) {
		f.signOutCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	f.caServer = httptest.NewServer(mux)
	t.Cleanup(f.caServer.Close)

	return f
}

func newReadyFacade(t *testing.T, f *testFixture) *AgentCP {
	t.Helper()
	a := New()
	require.NoError(t, a.Initialize(t.TempDir(), "seed-password"))
	require.NoError(t, a.SetBaseURLs(f.caServer.URL, ""))
	return a
}

func TestOnlineOfflineLifecycle(t *testing.T) {
	f := newTestFixture(t)
	a := newReadyFacade(t, f)
	ctx := context.Background()

	aid, err := a.CreateAID(ctx, "example.com", fmt.Sprintf("agent-%d", time.Now().UnixNano()%1000))
	require.NoError(t, err)

	require.NoError(t, a.Online(ctx, aid))
	require.EqualValues(t, 1, f.signInCalls.Load())

	sessions, err := a.Session(aid)
	require.NoError(t, err)
	require.NotNil(t, sessions)

	require.NoError(t, a.Offline(ctx, aid))
	require.EqualValues(t, 1, f.signOutCalls.Load())

	_, err = a.Session(aid)
	require.Error(t, err)
}

func TestOnlineTwiceIsNoOp(t *testing.T) {
	f := newTestFixture(t)
	a := newReadyFacade(t, f)
	ctx := context.Background()

	aid, err := a.CreateAID(ctx, "example.com", fmt.Sprintf("agent-%d", time.Now().UnixNano()%1000))
	require.NoError(t, err)

	require.NoError(t, a.Online(ctx, aid))
	require.NoError(t, a.Online(ctx, aid))
	require.EqualValues(t, 1, f.signInCalls.Load(), "a second Online call for an already-online aid must not re-authenticate")

	require.NoError(t, a.Offline(ctx, aid))
}

func TestOfflineOnUnknownAIDIsNoOp(t *testing.T) {
	f := newTestFixture(t)
	a := newReadyFacade(t, f)
	require.NoError(t, a.Offline(context.Background(), "nobody.example.com"))
}

func TestOfflineLeavesNoOwnedGoroutineRunning(t *testing.T) {
	f := newTestFixture(t)
	a := newReadyFacade(t, f)
	ctx := context.Background()

	aid, err := a.CreateAID(ctx, "example.com", fmt.Sprintf("agent-%d", time.Now().UnixNano()%1000))
	require.NoError(t, err)

	baseline := runtime.NumGoroutine()

	require.NoError(t, a.Online(ctx, aid))
	require.Greater(t, runtime.NumGoroutine(), baseline, "Online should have started its owned loops")

	require.NoError(t, a.Offline(ctx, aid))

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+1 // allow slack for GC/runtime housekeeping
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDeleteAIDRefusesWhileOnline(t *testing.T) {
	f := newTestFixture(t)
	a := newReadyFacade(t, f)
	ctx := context.Background()

	aid, err := a.CreateAID(ctx, "example.com", fmt.Sprintf("agent-%d", time.Now().UnixNano()%1000))
	require.NoError(t, err)
	require.NoError(t, a.Online(ctx, aid))

	err = a.DeleteAID(aid)
	require.Error(t, err)

	require.NoError(t, a.Offline(ctx, aid))
	require.NoError(t, a.DeleteAID(aid))
}

func TestLoadCurrentAIDRequiresExactlyOne(t *testing.T) {
	f := newTestFixture(t)
	a := newReadyFacade(t, f)
	ctx := context.Background()

	_, err := a.LoadCurrentAID()
	require.Error(t, err, "no identities should be ambiguous")

	aid1, err := a.CreateAID(ctx, "example.com", "solo")
	require.NoError(t, err)

	loaded, err := a.LoadCurrentAID()
	require.NoError(t, err)
	require.Equal(t, aid1, loaded.AID())

	_, err = a.CreateAID(ctx, "example.com", "duo")
	require.NoError(t, err)

	_, err = a.LoadCurrentAID()
	require.Error(t, err, "two identities should be ambiguous")
}

func TestShutdownUnblocksServeForever(t *testing.T) {
	a := New()
	done := make(chan struct{})
	go func() {
		a.ServeForever()
		close(done)
	}()

	a.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeForever did not return after Shutdown")
	}
}
