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

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentcp-io/agentcp-go/api/types"
)

type fakeTransport struct {
	mu  sync.Mutex
	out []*types.Envelope
}

func (f *fakeTransport) Send(e *types.Envelope) error {
	f.mu.Lock()
	f.out = append(f.out, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) last() *types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

func newManager(t *testing.T, tr Frame) *Manager {
	m, err := New(Config{SelfAID: "alice.example.com", Transport: tr, InviteTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestCreateSessionReturnsIdentifyingCode(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	id, code := m.CreateSession("room", "chat")
	require.NotEmpty(t, id)
	require.NotEmpty(t, code)
}

func TestSessionScopedHandlerClaimsExclusively(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	sessionID, _ := m.CreateSession("", "")

	var globalCalled, scopedCalled bool
	m.AddHandler(func(e *types.Envelope) bool {
		globalCalled = true
		return true
	}, "")
	m.AddHandler(func(e *types.Envelope) bool {
		scopedCalled = true
		return true
	}, sessionID)

	m.OnIncoming(&types.Envelope{
		Type:      types.EnvelopeMsg,
		MessageID: "m-1",
		SessionID: sessionID,
		Sender:    "bob.example.com",
		Receiver:  []types.AID{"alice.example.com"},
		Message:   []types.Block{{Type: types.BlockContent, Content: "hi"}},
	})

	require.Eventually(t, func() bool { return scopedCalled }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.False(t, globalCalled, "global handler must not see envelopes claimed by a session-scoped handler")
}

func TestGlobalHandlersInvokedInRegistrationOrderUntilClaimed(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	var order []int
	var mu sync.Mutex

	m.AddHandler(func(e *types.Envelope) bool {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return false
	}, "")
	m.AddHandler(func(e *types.Envelope) bool {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return true
	}, "")
	m.AddHandler(func(e *types.Envelope) bool {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		return true
	}, "")

	m.OnIncoming(&types.Envelope{
		MessageID: "m-1",
		SessionID: "s-none",
		Sender:    "bob.example.com",
		Receiver:  []types.AID{"alice.example.com"},
		Message:   []types.Block{{Type: types.BlockContent, Content: "hi"}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []int{1, 2}, order)
}

func TestDuplicateMessageIDDeliveredOnce(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	var count int
	var mu sync.Mutex
	m.AddHandler(func(e *types.Envelope) bool {
		mu.Lock()
		count++
		mu.Unlock()
		return true
	}, "")

	env := &types.Envelope{
		MessageID: "dup-1",
		SessionID: "s-1",
		Sender:    "bob.example.com",
		Receiver:  []types.AID{"alice.example.com"},
		Message:   []types.Block{{Type: types.BlockContent, Content: "hi"}},
	}
	m.OnIncoming(env)
	m.OnIncoming(env)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestInviteTimeoutFiresStatus(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	sessionID, _ := m.CreateSession("", "")

	var status InviteStatus
	err := m.Invite("bob.example.com", sessionID, func(s InviteStatus) {
		status = s
	})
	require.Error(t, err)
	require.Equal(t, InviteTimeout, status)
}

func TestInviteAcceptedOnMatchingAck(t *testing.T) {
	tr := &fakeTransport{}
	m := newManager(t, tr)
	sessionID, code := m.CreateSession("", "")

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.OnIncoming(&types.Envelope{
			Type:      types.EnvelopeInviteAck,
			MessageID: "ack-1",
			SessionID: sessionID,
			Sender:    "bob.example.com",
			Receiver:  []types.AID{"alice.example.com"},
			Message:   []types.Block{{Type: types.BlockContent, Content: code}},
		})
	}()

	var status InviteStatus
	err := m.Invite("bob.example.com", sessionID, func(s InviteStatus) {
		status = s
	})
	require.NoError(t, err)
	require.Equal(t, InviteAccepted, status)
}

func TestReplySetsRefMsgIDOneHopBack(t *testing.T) {
	tr := &fakeTransport{}
	m := newManager(t, tr)

	source := &types.Envelope{
		MessageID: "m-orig",
		SessionID: "s-1",
		Sender:    "bob.example.com",
		Receiver:  []types.AID{"alice.example.com"},
	}
	require.NoError(t, m.Reply(source, &types.Envelope{
		Message: []types.Block{{Type: types.BlockContent, Content: "ack"}},
	}))

	last := tr.last()
	require.Equal(t, "m-orig", last.RefMsgID)
	require.Equal(t, []types.AID{"bob.example.com"}, last.Receiver)
}

func TestStreamAssemblyReassemblesInOrder(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	var got *types.Envelope
	m.AddHandler(func(e *types.Envelope) bool {
		got = e
		return true
	}, "")

	send := func(idx int, content string) {
		m.OnIncoming(&types.Envelope{
			MessageID: "chunk-" + content,
			SessionID: "s-stream",
			Sender:    "bob.example.com",
			Receiver:  []types.AID{"alice.example.com"},
			Message:   []types.Block{{Type: types.BlockStreamChunk, Content: content, ChunkIndex: idx}},
		})
	}
	send(0, "hello ")
	send(1, "world")
	m.OnIncoming(&types.Envelope{
		MessageID: "term",
		SessionID: "s-stream",
		Sender:    "bob.example.com",
		Receiver:  []types.AID{"alice.example.com"},
		Message:   []types.Block{{Type: types.BlockStreamChunk, ChunkIndex: types.StreamTerminator}},
	})

	require.Eventually(t, func() bool { return got != nil }, time.Second, 10*time.Millisecond)
	require.Len(t, got.Message, 2)
	require.Equal(t, "hello ", got.Message[0].Content)
	require.Equal(t, "world", got.Message[1].Content)
}

func TestRemoveHandlerDuringDispatchIsSafe(t *testing.T) {
	m := newManager(t, &fakeTransport{})
	var id uint64
	id = m.AddHandler(func(e *types.Envelope) bool {
		m.RemoveHandler(id)
		return true
	}, "")

	m.OnIncoming(&types.Envelope{
		MessageID: "m-1",
		SessionID: "s-1",
		Sender:    "bob.example.com",
		Receiver:  []types.AID{"alice.example.com"},
		Message:   []types.Block{{Type: types.BlockContent, Content: "hi"}},
	})
	time.Sleep(30 * time.Millisecond)

	m.mu.RLock()
	defer m.mu.RUnlock()
	require.Empty(t, m.handlers)
}
