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

// Package codec implements C6: envelope JSON encode/decode and a bounded
// per-session duplicate-message-id window used by the session manager
// to suppress redelivery after a reconnect replays already-seen frames.
package codec

import (
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentcp-io/agentcp-go/api/types"
)

// Encode serializes an envelope to its wire form.
func Encode(e *types.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from its wire form.
func Decode(data []byte) (*types.Envelope, error) {
	var e types.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// dedupeWindowSize bounds the number of recently seen message ids
// remembered per session, evicting the least recently used entry once
// full rather than growing unboundedly.
const dedupeWindowSize = 4096

// Dedupe tracks recently seen message ids per session on a bounded LRU,
// so a frame replayed after a signalling reconnect is not delivered to
// handlers twice.
type Dedupe struct {
	mu        sync.Mutex
	bySession map[string]*lru.Cache[string, struct{}]
}

// NewDedupe constructs an empty Dedupe tracker.
func NewDedupe() *Dedupe {
	return &Dedupe{bySession: make(map[string]*lru.Cache[string, struct{}])}
}

// SeenBefore reports whether messageID was already recorded for
// sessionID, and records it if not. The per-session LRU is safe for
// concurrent use on its own, but the outer map that indexes it is not,
// since dispatch workers for different sessions can call this
// concurrently; bySession itself is guarded by mu.
func (d *Dedupe) SeenBefore(sessionID, messageID string) bool {
	d.mu.Lock()
	cache, ok := d.bySession[sessionID]
	if !ok {
		cache, _ = lru.New[string, struct{}](dedupeWindowSize)
		d.bySession[sessionID] = cache
	}
	d.mu.Unlock()

	if cache.Contains(messageID) {
		return true
	}
	cache.Add(messageID, struct{}{})
	return false
}

// Forget drops the dedupe window for a session, called when a session
// manager evicts the session entirely.
func (d *Dedupe) Forget(sessionID string) {
	d.mu.Lock()
	delete(d.bySession, sessionID)
	d.mu.Unlock()
}
