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

// Package agentcp implements C9: the facade that composes identity
// storage, the entry point, the heartbeat engine, the signalling
// transport, and the session manager into a single online/offline
// lifecycle per identity.
package agentcp

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentcp-io/agentcp-go/api/types"
	"github.com/agentcp-io/agentcp-go/internal/entrypoint"
	"github.com/agentcp-io/agentcp-go/internal/group"
	"github.com/agentcp-io/agentcp-go/internal/groupsync"
	"github.com/agentcp-io/agentcp-go/internal/heartbeat"
	"github.com/agentcp-io/agentcp-go/internal/identitystore"
	"github.com/agentcp-io/agentcp-go/internal/session"
	"github.com/agentcp-io/agentcp-go/internal/signaling"
)

// onlineIdentity bundles the loops a single online AID owns: one
// heartbeat engine, one signalling transport, one session manager, and
// zero-or-one group client with its sync engine.
type onlineIdentity struct {
	identity  *identitystore.LoadedIdentity
	heartbeat *heartbeat.Engine
	transport *signaling.Transport
	sessions  *session.Manager

	groupMu   sync.Mutex
	groupClnt *group.Client
	groupSync *groupsync.Engine
}

// AgentCP is the top-level SDK facade. One process normally owns one
// AgentCP instance, which may in turn bring several AIDs online at once.
type AgentCP struct {
	mu           sync.Mutex
	storagePath  string
	seedPassword string
	store        *identitystore.Store
	entry        *entrypoint.Client
	caBase       string

	online map[types.AID]*onlineIdentity

	shutdownCh chan struct{}
	exitHook   func()
	log        logrus.FieldLogger

	group *errgroup.Group
}

// New constructs an uninitialized facade; call Initialize before use.
func New() *AgentCP {
	return &AgentCP{
		online:     make(map[types.AID]*onlineIdentity),
		shutdownCh: make(chan struct{}),
		log:        logrus.WithField(trace.Component, "agentcp"),
		group:      &errgroup.Group{},
	}
}

// Initialize opens (creating if necessary) the identity store rooted at
// storagePath. seedPassword, if non-empty, is the default used for
// subsequent CreateAID/LoadAID calls that don't supply their own.
func (a *AgentCP) Initialize(storagePath, seedPassword string) error {
	store, err := identitystore.NewStore(storagePath)
	if err != nil {
		return trace.Wrap(err)
	}
	a.mu.Lock()
	a.storagePath = storagePath
	a.seedPassword = seedPassword
	a.store = store
	a.mu.Unlock()
	return nil
}

// SetBaseURLs configures the entry point's base URL. apBase is accepted
// for forward compatibility with a future group-server-discovery flow
// but is not otherwise consumed by this facade.
func (a *AgentCP) SetBaseURLs(caBase, apBase string) error {
	client, err := entrypoint.New(entrypoint.Config{CABase: caBase})
	if err != nil {
		return trace.Wrap(err)
	}
	a.mu.Lock()
	a.caBase = caBase
	a.entry = client
	a.mu.Unlock()
	return nil
}

// SetLogLevel adjusts the package-wide logrus level.
func (a *AgentCP) SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// CreateAID generates a new identity under authority and registers it
// with the entry point, returning the resulting AID.
func (a *AgentCP) CreateAID(ctx context.Context, authority, name string) (types.AID, error) {
	a.mu.Lock()
	store, entry, seed := a.store, a.entry, a.seedPassword
	a.mu.Unlock()
	if store == nil {
		return "", trace.BadParameter("call Initialize before CreateAID")
	}
	if entry == nil {
		return "", trace.BadParameter("call SetBaseURLs before CreateAID")
	}
	return store.GenerateIdentity(ctx, entry, authority, name, seed)
}

// LoadAID decrypts and returns the identity stored under aid.
func (a *AgentCP) LoadAID(aid types.AID) (*identitystore.LoadedIdentity, error) {
	a.mu.Lock()
	store, seed := a.store, a.seedPassword
	a.mu.Unlock()
	if store == nil {
		return nil, trace.BadParameter("call Initialize before LoadAID")
	}
	return store.Load(aid, seed)
}

// LoadGuestAID mints an ephemeral, never-persisted identity.
func (a *AgentCP) LoadGuestAID(authority string) (*identitystore.LoadedIdentity, error) {
	a.mu.Lock()
	store := a.store
	a.mu.Unlock()
	if store == nil {
		return nil, trace.BadParameter("call Initialize before LoadGuestAID")
	}
	return store.LoadGuest(authority)
}

// LoadCurrentAID returns the sole identity in the store, failing if
// zero or more than one exist (ambiguous "current" identity).
func (a *AgentCP) LoadCurrentAID() (*identitystore.LoadedIdentity, error) {
	a.mu.Lock()
	store, seed := a.store, a.seedPassword
	a.mu.Unlock()
	if store == nil {
		return nil, trace.BadParameter("call Initialize before LoadCurrentAID")
	}
	aids, err := store.List()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(aids) == 0 {
		return nil, trace.NotFound("no identities in store")
	}
	if len(aids) > 1 {
		return nil, trace.BadParameter("multiple identities present, specify one explicitly")
	}
	return store.Load(aids[0], seed)
}

// ImportAID stores a pre-existing private key and certificate chain.
func (a *AgentCP) ImportAID(aid types.AID, privateKeyPEM, certChainPEM []byte) error {
	a.mu.Lock()
	store, seed := a.store, a.seedPassword
	a.mu.Unlock()
	if store == nil {
		return trace.BadParameter("call Initialize before ImportAID")
	}
	return store.Import(aid, privateKeyPEM, certChainPEM, seed)
}

// ListAIDs returns every identity present in the store.
func (a *AgentCP) ListAIDs() ([]types.AID, error) {
	a.mu.Lock()
	store := a.store
	a.mu.Unlock()
	if store == nil {
		return nil, trace.BadParameter("call Initialize before ListAIDs")
	}
	return store.List()
}

// DeleteAID removes aid from the store. The identity must be offline.
func (a *AgentCP) DeleteAID(aid types.AID) error {
	a.mu.Lock()
	store := a.store
	_, isOnline := a.online[aid]
	a.mu.Unlock()
	if store == nil {
		return trace.BadParameter("call Initialize before DeleteAID")
	}
	if isOnline {
		return trace.BadParameter("aid %s is online, call Offline first", aid)
	}
	return store.Delete(aid)
}

// Online composes sign-in (C2), heartbeat start (C3), signalling connect
// (C4), and dispatch attach (C5) for aid, in that order. A second call
// for an already-online aid is a no-op.
func (a *AgentCP) Online(ctx context.Context, aid types.AID) error {
	a.mu.Lock()
	if _, ok := a.online[aid]; ok {
		a.mu.Unlock()
		return nil
	}
	store, entry, seed := a.store, a.entry, a.seedPassword
	a.mu.Unlock()
	if store == nil || entry == nil {
		return trace.BadParameter("call Initialize and SetBaseURLs before Online")
	}

	identity, err := store.Load(aid, seed)
	if err != nil {
		return trace.Wrap(err)
	}

	ticket, err := entry.SignIn(ctx, identity)
	if err != nil {
		return trace.Wrap(err, "signing in %s", aid)
	}

	hb, err := heartbeat.New(heartbeat.Config{
		Signer: identity,
		Auth:   entry,
		Ticket: ticket,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := hb.Start(ctx); err != nil {
		return trace.Wrap(err, "starting heartbeat for %s", aid)
	}

	// The session manager doesn't exist until after the transport connects,
	// but the transport needs a frame handler at Connect time. Route
	// through a forwarding closure and swap in the real manager once C5
	// attaches, matching the C2->C3->C4->C5 composition order.
	var (
		forwardMu sync.Mutex
		forward   func(*types.Envelope)
	)
	transport, err := signaling.New(signaling.Config{
		OnFrame: func(env *types.Envelope) {
			forwardMu.Lock()
			fn := forward
			forwardMu.Unlock()
			if fn != nil {
				fn(env)
			}
		},
	})
	if err != nil {
		hb.Stop()
		return trace.Wrap(err)
	}
	if err := transport.Connect(ctx, ticket); err != nil {
		hb.Stop()
		return trace.Wrap(err, "connecting signalling transport for %s", aid)
	}

	sessions, err := session.New(session.Config{
		SelfAID:   aid,
		Transport: transport,
	})
	if err != nil {
		transport.Disconnect()
		hb.Stop()
		return trace.Wrap(err)
	}
	forwardMu.Lock()
	forward = sessions.OnIncoming
	forwardMu.Unlock()

	a.mu.Lock()
	a.online[aid] = &onlineIdentity{
		identity:  identity,
		heartbeat: hb,
		transport: transport,
		sessions:  sessions,
	}
	a.mu.Unlock()
	return nil
}

// Offline reverses Online in strict order: stop dispatch intake, close
// the signalling transport, stop the heartbeat engine (respecting its
// own shutdown ordering), then sign out via the entry point.
func (a *AgentCP) Offline(ctx context.Context, aid types.AID) error {
	a.mu.Lock()
	oi, ok := a.online[aid]
	if ok {
		delete(a.online, aid)
	}
	entry := a.entry
	a.mu.Unlock()
	if !ok {
		return nil
	}

	oi.groupMu.Lock()
	if oi.groupSync != nil {
		for _, g := range oi.groupSync.OnlineGroups() {
			oi.groupSync.LeaveGroupSession(g)
		}
	}
	if oi.groupClnt != nil {
		_ = oi.groupClnt.Close()
	}
	oi.groupMu.Unlock()

	oi.sessions.Stop()
	oi.transport.Disconnect()
	oi.heartbeat.Stop()

	if entry != nil {
		if err := entry.SignOut(ctx, oi.identity); err != nil {
			return trace.Wrap(err, "signing out %s", aid)
		}
	}
	return nil
}

// JoinGroup dials the group server at groupServerURL for aid (if not
// already dialed) and starts the sync engine's pull loops for groupID.
// The group client and its sync engine are lazily created on first use
// and shared across every group joined by the same identity.
func (a *AgentCP) JoinGroup(ctx context.Context, aid types.AID, groupServerURL, groupID string) error {
	a.mu.Lock()
	oi, ok := a.online[aid]
	storageDir := a.storagePath
	a.mu.Unlock()
	if !ok {
		return trace.BadParameter("aid %s is not online", aid)
	}

	oi.groupMu.Lock()
	defer oi.groupMu.Unlock()

	if oi.groupClnt == nil {
		clnt, err := group.Dial(ctx, groupServerURL, group.Config{Signer: oi.identity})
		if err != nil {
			return trace.Wrap(err, "dialing group server for %s", aid)
		}
		syncEngine, err := groupsync.New(groupsync.Config{
			AID:        aid,
			Server:     clnt,
			StorageDir: filepath.Join(storageDir, "groups"),
		})
		if err != nil {
			_ = clnt.Close()
			return trace.Wrap(err)
		}
		// Pushed batches are a latency hint, not the delivery path: the
		// sync engine's pull loop is the authoritative, cursor-tracked
		// source of truth. A push just wakes the loop early.
		clnt.OnMessageBatch(func(b types.MessageBatch) error {
			syncEngine.Wake(b.GroupID)
			return nil
		})
		clnt.OnGroupEvent(func(b types.EventBatch) error {
			syncEngine.Wake(b.GroupID)
			return nil
		})
		oi.groupClnt = clnt
		oi.groupSync = syncEngine
	}

	return oi.groupSync.JoinGroupSession(ctx, groupID)
}

// LeaveGroup stops the sync engine's loops for groupID and flushes its
// cursor. The group client itself stays connected for any other joined
// groups.
func (a *AgentCP) LeaveGroup(aid types.AID, groupID string) error {
	a.mu.Lock()
	oi, ok := a.online[aid]
	a.mu.Unlock()
	if !ok {
		return trace.BadParameter("aid %s is not online", aid)
	}
	oi.groupMu.Lock()
	defer oi.groupMu.Unlock()
	if oi.groupSync == nil {
		return trace.NotFound("no group session joined for %s", aid)
	}
	return oi.groupSync.LeaveGroupSession(groupID)
}

// GroupClient returns the group client for an online identity, if one has
// been dialed via JoinGroup.
func (a *AgentCP) GroupClient(aid types.AID) (*group.Client, error) {
	a.mu.Lock()
	oi, ok := a.online[aid]
	a.mu.Unlock()
	if !ok {
		return nil, trace.BadParameter("aid %s is not online", aid)
	}
	oi.groupMu.Lock()
	defer oi.groupMu.Unlock()
	if oi.groupClnt == nil {
		return nil, trace.NotFound("no group client dialed for %s", aid)
	}
	return oi.groupClnt, nil
}

// Session returns the session manager for an online aid.
func (a *AgentCP) Session(aid types.AID) (*session.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	oi, ok := a.online[aid]
	if !ok {
		return nil, trace.BadParameter("aid %s is not online", aid)
	}
	return oi.sessions, nil
}

// RegisterSignalHandler arranges for ServeForever to return when the
// process receives SIGINT or SIGTERM. onExit, if set, runs before return.
// The listener goroutine is tracked in the facade's errgroup so
// ServeForever can join it rather than leaking it.
func (a *AgentCP) RegisterSignalHandler(onExit func()) {
	a.mu.Lock()
	a.exitHook = onExit
	a.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	a.group.Go(func() error {
		select {
		case <-sigCh:
			a.Shutdown()
		case <-a.shutdownCh:
		}
		signal.Stop(sigCh)
		return nil
	})
}

// ServeForever blocks until a registered signal, or a call to Shutdown,
// fires the shutdown flag, then joins every goroutine the facade owns.
func (a *AgentCP) ServeForever() {
	<-a.shutdownCh
	_ = a.group.Wait()
	a.mu.Lock()
	hook := a.exitHook
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Shutdown triggers ServeForever to return without waiting for an OS
// signal, used by tests and by programmatic callers that manage their
// own lifecycle.
func (a *AgentCP) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.shutdownCh:
	default:
		close(a.shutdownCh)
	}
}
