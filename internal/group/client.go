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

// Package group implements C7: the signed request/response client for
// the group server, covering lifecycle, membership administration,
// invite codes, the broadcast lock, and push-to-ack translation.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/tracing"
)

// Signer signs outgoing group requests.
type Signer = types.Signer

// request is the wire shape of every mutating/non-mutating call to the
// group server.
type request struct {
	Op      string          `json:"op"`
	GroupID string          `json:"group_id"`
	Actor   types.AID       `json:"actor"`
	Nonce   string          `json:"nonce"`
	Sig     []byte          `json:"sig"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the wire shape of every reply from the group server.
type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// pushFrame is what the server sends unsolicited over the channel.
type pushFrame struct {
	Push    string          `json:"push"`
	GroupID string          `json:"group_id"`
	Payload json.RawMessage `json:"payload"`
}

// Channel abstracts the bidirectional connection to the group server so
// the client and its tests don't depend on a concrete websocket dial.
type Channel interface {
	Call(ctx context.Context, req *request) (*response, error)
	Listen(onPush func(pushFrame))
	Close() error
}

// wsChannel implements Channel over a JSON-framed gorilla/websocket
// connection. The wire protocol carries no correlation id in responses,
// so Call serializes requests one at a time: a call holds callMu for the
// full round trip, and the read loop routes the next non-push frame it
// sees to whichever call is currently waiting.
type wsChannel struct {
	conn *websocket.Conn
	log  logrus.FieldLogger

	callMu  sync.Mutex
	replyCh chan *response

	onPush func(pushFrame)
}

func dialChannel(ctx context.Context, url string, log logrus.FieldLogger) (*wsChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing group server %s", url)
	}
	c := &wsChannel{conn: conn, log: log}
	go c.readLoop()
	return c, nil
}

func (c *wsChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.replyCh != nil {
				close(c.replyCh)
			}
			return
		}

		var envelope struct {
			Push string `json:"push,omitempty"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.log.WithError(err).Warn("malformed group server frame")
			continue
		}

		if envelope.Push != "" {
			var pf pushFrame
			if err := json.Unmarshal(data, &pf); err != nil {
				c.log.WithError(err).Warn("malformed group push frame")
				continue
			}
			if c.onPush != nil {
				c.onPush(pf)
			}
			continue
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.WithError(err).Warn("malformed group response frame")
			continue
		}
		if c.replyCh != nil {
			c.replyCh <- &resp
		}
	}
}

func (c *wsChannel) Call(ctx context.Context, req *request) (*response, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	ch := make(chan *response, 1)
	c.replyCh = ch
	defer func() { c.replyCh = nil }()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, trace.ConnectionProblem(err, "writing group request")
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, trace.ConnectionProblem(nil, "group server connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, trace.ConnectionProblem(ctx.Err(), "group request timed out")
	}
}

func (c *wsChannel) Listen(onPush func(pushFrame)) {
	c.onPush = onPush
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

// Dial opens a websocket channel to the group server at url and returns a
// ready Client bound to it.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.WithField(trace.Component, "group")
	}
	ch, err := dialChannel(ctx, url, log)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Channel = ch
	client, err := New(cfg)
	if err != nil {
		ch.Close()
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// Config configures a Client.
type Config struct {
	Signer  Signer
	Channel Channel
	Clock   clockwork.Clock
	Log     logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing Signer")
	}
	if c.Channel == nil {
		return trace.BadParameter("missing Channel")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "group")
	}
	return nil
}

// BatchHandler receives a server-pushed message batch; the client acks
// once it returns without error.
type BatchHandler func(types.MessageBatch) error

// EventHandler receives a server-pushed event batch; the client acks
// once it returns without error.
type EventHandler func(types.EventBatch) error

// Client is the C7 group client for a single online identity.
type Client struct {
	cfg Config

	mu            sync.Mutex
	onMessages    BatchHandler
	onEvents      EventHandler
}

// New constructs a Client bound to an already-dialed Channel.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Client{cfg: cfg}
	cfg.Channel.Listen(c.handlePush)
	return c, nil
}

// Close releases the underlying channel.
func (c *Client) Close() error {
	return c.cfg.Channel.Close()
}

func (c *Client) call(ctx context.Context, op, groupID string, params any) (resp *response, err error) {
	ctx, span := tracing.Tracer.Start(ctx, "group.Client.call",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.RPCServiceKey.String("group.Client"),
			semconv.RPCMethodKey.String(op),
			attribute.String("group_id", groupID),
		),
	)
	defer func() { tracing.RecordOutcome(span, err) }()

	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := uuid.NewString()
	payload := []byte(fmt.Sprintf("%s|%s|%s|%s", op, groupID, c.cfg.Signer.AID(), nonce))
	sig, err := c.cfg.Signer.Sign(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	req := &request{
		Op:      op,
		GroupID: groupID,
		Actor:   c.cfg.Signer.AID(),
		Nonce:   nonce,
		Sig:     sig,
		Params:  paramBytes,
	}
	resp, err := c.cfg.Channel.Call(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !resp.OK {
		return nil, classifyError(resp.Error)
	}
	return resp, nil
}

func classifyError(msg string) error {
	switch msg {
	case "conflict":
		return trace.AlreadyExists("group operation conflict")
	case "not_found":
		return trace.NotFound("group or member not found")
	case "forbidden":
		return trace.AccessDenied("actor lacks required role")
	case "rate_limited":
		return trace.LimitExceeded("group server rate limit exceeded")
	default:
		return trace.BadParameter("group server error: %s", msg)
	}
}

// --- Lifecycle ---

// CreateGroup creates a new group owned by the caller.
func (c *Client) CreateGroup(ctx context.Context, name string, visibility types.Visibility) (*types.Group, error) {
	resp, err := c.call(ctx, "create_group", "", map[string]any{"name": name, "visibility": visibility})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var g types.Group
	if err := json.Unmarshal(resp.Data, &g); err != nil {
		return nil, trace.Wrap(err)
	}
	return &g, nil
}

// JoinDirect joins a public group directly.
func (c *Client) JoinDirect(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "join_direct", groupID, nil)
	return trace.Wrap(err)
}

// JoinByInviteCode redeems an invite code.
func (c *Client) JoinByInviteCode(ctx context.Context, code string) (string, error) {
	resp, err := c.call(ctx, "join_invite", "", map[string]any{"code": code})
	if err != nil {
		return "", trace.Wrap(err)
	}
	var out struct {
		GroupID string `json:"group_id"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", trace.Wrap(err)
	}
	return out.GroupID, nil
}

// RequestToJoin creates a pending membership entry in a private group.
func (c *Client) RequestToJoin(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "request_join", groupID, nil)
	return trace.Wrap(err)
}

// LeaveGroup leaves a group the caller currently belongs to.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "leave_group", groupID, nil)
	return trace.Wrap(err)
}

// DisbandGroup is owner-only; it permanently deletes the group server side.
func (c *Client) DisbandGroup(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "disband_group", groupID, nil)
	return trace.Wrap(err)
}

// --- Basic ops ---

// SendMessage posts a message to the group.
func (c *Client) SendMessage(ctx context.Context, groupID string, env types.Envelope) (int64, error) {
	resp, err := c.call(ctx, "send_message", groupID, env)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var out struct {
		MsgID int64 `json:"msg_id"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return 0, trace.Wrap(err)
	}
	return out.MsgID, nil
}

// PullMessages fetches messages strictly after `after`, up to limit.
func (c *Client) PullMessages(ctx context.Context, groupID string, after int64, limit int) (types.MessageBatch, error) {
	resp, err := c.call(ctx, "pull_messages", groupID, map[string]any{"after": after, "limit": limit})
	if err != nil {
		return types.MessageBatch{}, trace.Wrap(err)
	}
	var batch types.MessageBatch
	if err := json.Unmarshal(resp.Data, &batch); err != nil {
		return types.MessageBatch{}, trace.Wrap(err)
	}
	return batch, nil
}

// AckMessages confirms delivery up to and including maxMsgID. Idempotent:
// repeated acks for the same or lower id never rewind server-side state.
func (c *Client) AckMessages(ctx context.Context, groupID string, maxMsgID int64) error {
	_, err := c.call(ctx, "ack_messages", groupID, map[string]any{"max_msg_id": maxMsgID})
	return trace.Wrap(err)
}

// PullEvents fetches membership/role events strictly after `after`.
func (c *Client) PullEvents(ctx context.Context, groupID string, after int64, limit int) (types.EventBatch, error) {
	resp, err := c.call(ctx, "pull_events", groupID, map[string]any{"after": after, "limit": limit})
	if err != nil {
		return types.EventBatch{}, trace.Wrap(err)
	}
	var batch types.EventBatch
	if err := json.Unmarshal(resp.Data, &batch); err != nil {
		return types.EventBatch{}, trace.Wrap(err)
	}
	return batch, nil
}

// AckEvents confirms delivery up to and including maxEventID.
func (c *Client) AckEvents(ctx context.Context, groupID string, maxEventID int64) error {
	_, err := c.call(ctx, "ack_events", groupID, map[string]any{"max_event_id": maxEventID})
	return trace.Wrap(err)
}

// Checksums requests the server's message/event digests for a date range.
func (c *Client) Checksums(ctx context.Context, groupID string, from, to time.Time) (messageSum, eventSum string, err error) {
	resp, err := c.call(ctx, "checksums", groupID, map[string]any{"from": from, "to": to})
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	var out struct {
		MessageSum string `json:"message_sum"`
		EventSum   string `json:"event_sum"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", "", trace.Wrap(err)
	}
	return out.MessageSum, out.EventSum, nil
}

// --- Member admin ---

// ApproveMember promotes a pending member to full member.
func (c *Client) ApproveMember(ctx context.Context, groupID string, member types.AID) error {
	_, err := c.call(ctx, "approve_member", groupID, map[string]any{"member": member})
	return trace.Wrap(err)
}

// ApproveMembersBatch approves multiple pending members in one call.
func (c *Client) ApproveMembersBatch(ctx context.Context, groupID string, members []types.AID) error {
	_, err := c.call(ctx, "approve_members_batch", groupID, map[string]any{"members": members})
	return trace.Wrap(err)
}

// PromoteMember changes member's role. The caller's own role must rank
// at or above the target role per types.CanPromote.
func (c *Client) PromoteMember(ctx context.Context, groupID string, actorRole types.Role, member types.AID, newRole types.Role) error {
	if !types.CanPromote(actorRole, newRole) {
		return trace.AccessDenied("role %s cannot promote to %s", actorRole, newRole)
	}
	_, err := c.call(ctx, "promote_member", groupID, map[string]any{"member": member, "new_role": newRole})
	return trace.Wrap(err)
}

// BanMember bans member until expiresAt (zero means permanent).
func (c *Client) BanMember(ctx context.Context, groupID string, member types.AID, reason string, expiresAt time.Time) error {
	_, err := c.call(ctx, "ban_member", groupID, map[string]any{"member": member, "reason": reason, "expires_at": expiresAt})
	return trace.Wrap(err)
}

// KickMember removes a current member without a ban.
func (c *Client) KickMember(ctx context.Context, groupID string, member types.AID) error {
	_, err := c.call(ctx, "kick_member", groupID, map[string]any{"member": member})
	return trace.Wrap(err)
}

// --- Owner admin ---

// TransferOwnership is atomic server-side; only the current owner may call it.
func (c *Client) TransferOwnership(ctx context.Context, groupID string, newOwner types.AID) error {
	_, err := c.call(ctx, "transfer_ownership", groupID, map[string]any{"new_owner": newOwner})
	return trace.Wrap(err)
}

// SetRule updates a single moderation/config rule key.
func (c *Client) SetRule(ctx context.Context, groupID, key, value string) error {
	_, err := c.call(ctx, "set_rule", groupID, map[string]any{"key": key, "value": value})
	return trace.Wrap(err)
}

// SetAnnouncement replaces the group's pinned announcement text.
func (c *Client) SetAnnouncement(ctx context.Context, groupID, text string) error {
	_, err := c.call(ctx, "set_announcement", groupID, map[string]any{"text": text})
	return trace.Wrap(err)
}

// SuspendGroup freezes a group so no new messages are accepted.
func (c *Client) SuspendGroup(ctx context.Context, groupID string, suspended bool) error {
	_, err := c.call(ctx, "suspend_group", groupID, map[string]any{"suspended": suspended})
	return trace.Wrap(err)
}

// --- Invite codes ---

// IssueInviteCode mints a new invite code. Admin-only.
func (c *Client) IssueInviteCode(ctx context.Context, groupID, label string, maxUses int, expiresAt time.Time) (*types.InviteCode, error) {
	resp, err := c.call(ctx, "issue_invite_code", groupID, map[string]any{"label": label, "max_uses": maxUses, "expires_at": expiresAt})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var ic types.InviteCode
	if err := json.Unmarshal(resp.Data, &ic); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ic, nil
}

// RevokeInviteCode invalidates a previously issued code.
func (c *Client) RevokeInviteCode(ctx context.Context, groupID, code string) error {
	_, err := c.call(ctx, "revoke_invite_code", groupID, map[string]any{"code": code})
	return trace.Wrap(err)
}

// --- Broadcast lock ---

// AcquireBroadcastLock attempts to take the group's exclusive send lock.
// On contention the server returns Conflict to every loser.
func (c *Client) AcquireBroadcastLock(ctx context.Context, groupID string) (*types.BroadcastLock, error) {
	resp, err := c.call(ctx, "acquire_broadcast_lock", groupID, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var lock types.BroadcastLock
	if err := json.Unmarshal(resp.Data, &lock); err != nil {
		return nil, trace.Wrap(err)
	}
	return &lock, nil
}

// ReleaseBroadcastLock revokes the caller's held lock, if any.
func (c *Client) ReleaseBroadcastLock(ctx context.Context, groupID string) error {
	_, err := c.call(ctx, "release_broadcast_lock", groupID, nil)
	return trace.Wrap(err)
}

// --- Utility / index ---

// GroupInfo returns the server's current view of a group verbatim.
func (c *Client) GroupInfo(ctx context.Context, groupID string) (*types.Group, error) {
	resp, err := c.call(ctx, "group_info", groupID, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var g types.Group
	if err := json.Unmarshal(resp.Data, &g); err != nil {
		return nil, trace.Wrap(err)
	}
	return &g, nil
}

// ListMembers returns the server's member roster verbatim.
func (c *Client) ListMembers(ctx context.Context, groupID string) ([]types.Member, error) {
	resp, err := c.call(ctx, "list_members", groupID, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var members []types.Member
	if err := json.Unmarshal(resp.Data, &members); err != nil {
		return nil, trace.Wrap(err)
	}
	return members, nil
}

// SearchGroups lists public groups matching query, server-side search.
func (c *Client) SearchGroups(ctx context.Context, query string) ([]types.Group, error) {
	resp, err := c.call(ctx, "search_groups", "", map[string]any{"query": query})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var groups []types.Group
	if err := json.Unmarshal(resp.Data, &groups); err != nil {
		return nil, trace.Wrap(err)
	}
	return groups, nil
}

// --- Push callbacks ---

// OnMessageBatch registers the handler invoked for pushed message batches.
func (c *Client) OnMessageBatch(h BatchHandler) {
	c.mu.Lock()
	c.onMessages = h
	c.mu.Unlock()
}

// OnGroupEvent registers the handler invoked for pushed event batches.
func (c *Client) OnGroupEvent(h EventHandler) {
	c.mu.Lock()
	c.onEvents = h
	c.mu.Unlock()
}

// handlePush dispatches an unsolicited push frame to the registered
// callback and, once it returns successfully, acks the delivery back to
// the server so it stops redelivering.
func (c *Client) handlePush(pf pushFrame) {
	switch pf.Push {
	case "batch":
		var batch types.MessageBatch
		if err := json.Unmarshal(pf.Payload, &batch); err != nil {
			c.cfg.Log.WithError(err).Warn("malformed pushed message batch")
			return
		}
		c.mu.Lock()
		h := c.onMessages
		c.mu.Unlock()
		if h == nil {
			return
		}
		if err := h(batch); err != nil {
			c.cfg.Log.WithError(err).Warn("message batch callback failed, not acking")
			return
		}
		if len(batch.Messages) > 0 {
			maxID := batch.Messages[0].MsgID
			for _, m := range batch.Messages {
				if m.MsgID > maxID {
					maxID = m.MsgID
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.AckMessages(ctx, pf.GroupID, maxID); err != nil {
				c.cfg.Log.WithError(err).Warn("failed to ack pushed message batch")
			}
		}
	case "event":
		var batch types.EventBatch
		if err := json.Unmarshal(pf.Payload, &batch); err != nil {
			c.cfg.Log.WithError(err).Warn("malformed pushed event batch")
			return
		}
		c.mu.Lock()
		h := c.onEvents
		c.mu.Unlock()
		if h == nil {
			return
		}
		if err := h(batch); err != nil {
			c.cfg.Log.WithError(err).Warn("event batch callback failed, not acking")
			return
		}
		if len(batch.Events) > 0 {
			maxID := batch.Events[0].EventID
			for _, e := range batch.Events {
				if e.EventID > maxID {
					maxID = e.EventID
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.AckEvents(ctx, pf.GroupID, maxID); err != nil {
				c.cfg.Log.WithError(err).Warn("failed to ack pushed event batch")
			}
		}
	default:
		c.cfg.Log.Warnf("unknown push type %q", pf.Push)
	}
}
