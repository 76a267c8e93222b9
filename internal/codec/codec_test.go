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

package codec

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentcp-io/agentcp-go/api/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := &types.Envelope{
		Type:      types.EnvelopeMsg,
		MessageID: "m-1",
		SessionID: "s-1",
		Sender:    "alice.example.com",
		Receiver:  []types.AID{"bob.example.com"},
		Message:   []types.Block{{Type: types.BlockContent, Content: "hello"}},
	}

	data, err := Encode(orig)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, orig, decoded)
}

func TestDedupeSuppressesRepeat(t *testing.T) {
	d := NewDedupe()
	require.False(t, d.SeenBefore("s-1", "m-1"))
	require.True(t, d.SeenBefore("s-1", "m-1"))

	// A different session is tracked independently.
	require.False(t, d.SeenBefore("s-2", "m-1"))
}

func TestDedupeEvictsUnderPressure(t *testing.T) {
	d := NewDedupe()
	for i := 0; i < dedupeWindowSize+100; i++ {
		require.False(t, d.SeenBefore("s-1", fmt.Sprintf("m-%d", i)))
	}
	// The earliest ids were evicted, so they're reported as new again.
	require.False(t, d.SeenBefore("s-1", "m-0"))
}

func TestDedupeForget(t *testing.T) {
	d := NewDedupe()
	d.SeenBefore("s-1", "m-1")
	d.Forget("s-1")
	require.False(t, d.SeenBefore("s-1", "m-1"))
}
