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

// Package groupsync implements C8: per-group pull/ack loops that
// reconcile local cursors against the group server's message and event
// logs, periodic checksum verification with backfill-on-mismatch, and
// durable, atomic cursor persistence.
package groupsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/metrics"
)

const (
	defaultPullLimit    = 200
	defaultPollInterval = 5 * time.Second
	cursorFilePerm      = 0o600
	cursorDirPerm       = 0o700
)

// GroupServer is the subset of the C7 client that the sync engine needs.
type GroupServer interface {
	PullMessages(ctx context.Context, groupID string, after int64, limit int) (types.MessageBatch, error)
	AckMessages(ctx context.Context, groupID string, maxMsgID int64) error
	PullEvents(ctx context.Context, groupID string, after int64, limit int) (types.EventBatch, error)
	AckEvents(ctx context.Context, groupID string, maxEventID int64) error
	Checksums(ctx context.Context, groupID string, from, to time.Time) (messageSum, eventSum string, err error)
}

// BatchHandler is invoked with every delivered message batch.
type BatchHandler func(types.MessageBatch)

// EventHandler is invoked with every delivered event batch.
type EventHandler func(types.EventBatch)

// Config configures an Engine.
type Config struct {
	AID          types.AID
	Server       GroupServer
	StorageDir   string // groups/ root; cursors live under <StorageDir>/<aid>/<group_id>/
	PollInterval time.Duration
	PullLimit    int
	OnMessages   BatchHandler
	OnEvents     EventHandler
	Clock        clockwork.Clock
	Log          logrus.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.AID == "" {
		return trace.BadParameter("missing AID")
	}
	if c.Server == nil {
		return trace.BadParameter("missing Server")
	}
	if c.StorageDir == "" {
		return trace.BadParameter("missing StorageDir")
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PullLimit == 0 {
		c.PullLimit = defaultPullLimit
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "groupsync")
	}
	return nil
}

type groupLoops struct {
	groupID string
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup

	cursorMu     sync.Mutex
	cursor       types.GroupCursor
	lastVerified time.Time
}

// Engine is the C8 sync engine for a single online identity.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	groups map[string]*groupLoops
}

// New constructs an Engine. No groups are joined until JoinGroupSession.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg, groups: make(map[string]*groupLoops)}, nil
}

func (e *Engine) cursorPath(groupID string) string {
	return filepath.Join(e.cfg.StorageDir, string(e.cfg.AID), groupID, "cursor.json")
}

func (e *Engine) loadCursor(groupID string) (types.GroupCursor, error) {
	path := e.cursorPath(groupID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.GroupCursor{AID: e.cfg.AID, GroupID: groupID}, nil
		}
		return types.GroupCursor{}, trace.ConvertSystemError(err)
	}
	var cur types.GroupCursor
	if err := json.Unmarshal(data, &cur); err != nil {
		return types.GroupCursor{}, trace.Wrap(err, "corrupt cursor file %s", path)
	}
	return cur, nil
}

// saveCursor persists cur atomically (write-temp + rename), guarded by
// an advisory file lock so it is safe even if two processes somehow
// point at the same storage directory.
func (e *Engine) saveCursor(cur types.GroupCursor) error {
	dir := filepath.Dir(e.cursorPath(cur.GroupID))
	if err := os.MkdirAll(dir, cursorDirPerm); err != nil {
		return trace.ConvertSystemError(err)
	}

	lockPath := filepath.Join(dir, "cursor.lock")
	fl := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !locked {
		return trace.ConnectionProblem(err, "could not acquire cursor lock for group %s", cur.GroupID)
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	path := e.cursorPath(cur.GroupID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, cursorFilePerm); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// JoinGroupSession starts the message and event pull loops for groupID
// and registers it for push-triggered wakeups.
func (e *Engine) JoinGroupSession(ctx context.Context, groupID string) error {
	e.mu.Lock()
	if _, ok := e.groups[groupID]; ok {
		e.mu.Unlock()
		return nil
	}
	cur, err := e.loadCursor(groupID)
	if err != nil {
		e.mu.Unlock()
		return trace.Wrap(err)
	}
	gl := &groupLoops{
		groupID:      groupID,
		stopCh:       make(chan struct{}),
		wake:         make(chan struct{}, 1),
		cursor:       cur,
		lastVerified: e.cfg.Clock.Now(),
	}
	e.groups[groupID] = gl
	e.mu.Unlock()

	gl.wg.Add(2)
	go e.messageLoop(gl)
	go e.eventLoop(gl)
	return nil
}

// LeaveGroupSession stops groupID's loops and flushes its cursor.
func (e *Engine) LeaveGroupSession(groupID string) error {
	e.mu.Lock()
	gl, ok := e.groups[groupID]
	if ok {
		delete(e.groups, groupID)
	}
	e.mu.Unlock()
	if !ok {
		return trace.NotFound("group %s is not joined", groupID)
	}

	close(gl.stopCh)
	gl.wg.Wait()

	gl.cursorMu.Lock()
	cur := gl.cursor
	gl.cursorMu.Unlock()
	return e.saveCursor(cur)
}

// OnlineGroups lists groups with active pull loops.
func (e *Engine) OnlineGroups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.groups))
	for g := range e.groups {
		out = append(out, g)
	}
	return out
}

// Wake is called by the push layer as a hint that new data may be
// available; it never delivers data itself, it only nudges the puller.
func (e *Engine) Wake(groupID string) {
	e.mu.Lock()
	gl, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case gl.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) messageLoop(gl *groupLoops) {
	defer gl.wg.Done()
	for {
		e.pullMessagesOnce(gl)

		timer := e.cfg.Clock.NewTimer(e.cfg.PollInterval)
		select {
		case <-gl.stopCh:
			timer.Stop()
			return
		case <-gl.wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

func (e *Engine) pullMessagesOnce(gl *groupLoops) {
	gl.cursorMu.Lock()
	after := gl.cursor.LastMsgID
	gl.cursorMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := e.cfg.Server.PullMessages(ctx, gl.groupID, after, e.cfg.PullLimit)
	if err != nil {
		e.cfg.Log.WithError(err).Warnf("pulling messages for group %s", gl.groupID)
		return
	}
	if len(batch.Messages) == 0 {
		return
	}
	if e.cfg.OnMessages != nil {
		e.cfg.OnMessages(batch)
	}

	maxID := batch.Messages[0].MsgID
	for _, m := range batch.Messages {
		if m.MsgID > maxID {
			maxID = m.MsgID
		}
	}
	if err := e.cfg.Server.AckMessages(ctx, gl.groupID, maxID); err != nil {
		e.cfg.Log.WithError(err).Warnf("acking messages for group %s", gl.groupID)
		metrics.GroupSyncAckFailures.WithLabelValues(gl.groupID).Inc()
		return
	}

	gl.cursorMu.Lock()
	gl.cursor.LastMsgID = maxID
	cur := gl.cursor
	gl.cursorMu.Unlock()
	if err := e.saveCursor(cur); err != nil {
		e.cfg.Log.WithError(err).Warnf("persisting cursor for group %s", gl.groupID)
	}
}

func (e *Engine) eventLoop(gl *groupLoops) {
	defer gl.wg.Done()
	for {
		e.pullEventsOnce(gl)

		timer := e.cfg.Clock.NewTimer(e.cfg.PollInterval)
		select {
		case <-gl.stopCh:
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (e *Engine) pullEventsOnce(gl *groupLoops) {
	gl.cursorMu.Lock()
	after := gl.cursor.LastEventID
	gl.cursorMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch, err := e.cfg.Server.PullEvents(ctx, gl.groupID, after, e.cfg.PullLimit)
	if err != nil {
		e.cfg.Log.WithError(err).Warnf("pulling events for group %s", gl.groupID)
		return
	}
	if len(batch.Events) == 0 {
		return
	}
	if e.cfg.OnEvents != nil {
		e.cfg.OnEvents(batch)
	}

	maxID := batch.Events[0].EventID
	for _, ev := range batch.Events {
		if ev.EventID > maxID {
			maxID = ev.EventID
		}
	}
	if err := e.cfg.Server.AckEvents(ctx, gl.groupID, maxID); err != nil {
		e.cfg.Log.WithError(err).Warnf("acking events for group %s", gl.groupID)
		return
	}

	gl.cursorMu.Lock()
	gl.cursor.LastEventID = maxID
	cur := gl.cursor
	gl.cursorMu.Unlock()
	if err := e.saveCursor(cur); err != nil {
		e.cfg.Log.WithError(err).Warnf("persisting cursor for group %s", gl.groupID)
	}
}

// VerifyChecksum compares the server's digest for [from, to) against a
// locally computed one over deliveredMessageIDs. On mismatch it returns
// false and the caller is expected to backfill the disputed range with
// a replay flag so consumers can dedupe. Either way it records the
// group's sync lag: the gauge resets to zero on a match and otherwise
// reports how long it's been since the last one.
func (e *Engine) VerifyChecksum(ctx context.Context, groupID string, from, to time.Time, deliveredMessageIDs []int64) (bool, error) {
	serverSum, _, err := e.cfg.Server.Checksums(ctx, groupID, from, to)
	if err != nil {
		return false, trace.Wrap(err)
	}
	localSum := localChecksum(deliveredMessageIDs)
	match := serverSum == localSum

	e.mu.Lock()
	gl, ok := e.groups[groupID]
	e.mu.Unlock()
	if ok {
		now := e.cfg.Clock.Now()
		gl.cursorMu.Lock()
		if match {
			gl.lastVerified = now
		}
		lag := now.Sub(gl.lastVerified)
		gl.cursorMu.Unlock()
		metrics.GroupSyncLagSeconds.WithLabelValues(groupID).Set(lag.Seconds())
	}

	return match, nil
}

func localChecksum(ids []int64) string {
	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%d|", id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Backfill re-pulls (after, before] in bounded windows and redelivers
// each window to the batch callback with its Replay flag set, so
// consumers that already saw some of this range can dedupe.
func (e *Engine) Backfill(ctx context.Context, groupID string, after, before int64) error {
	cursor := after
	for cursor < before {
		batch, err := e.cfg.Server.PullMessages(ctx, groupID, cursor, e.cfg.PullLimit)
		if err != nil {
			return trace.Wrap(err)
		}
		kept := batch.Messages[:0]
		for _, m := range batch.Messages {
			if m.MsgID <= before {
				kept = append(kept, m)
			}
		}
		batch.Messages = kept
		if len(batch.Messages) == 0 {
			break
		}
		batch.Replay = true
		if e.cfg.OnMessages != nil {
			e.cfg.OnMessages(batch)
		}
		cursor = batch.Messages[len(batch.Messages)-1].MsgID
	}
	return nil
}
