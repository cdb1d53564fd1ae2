package boardsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

type EngineSettings struct {
	// how long to wait for a full-state reply before retrying
	BootstrapTimeout time.Duration
	// additional request rounds after the first window expires.
	// when all rounds expire the room is authoritatively empty.
	BootstrapRetryCount int
	PresenceInterval    time.Duration
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		BootstrapTimeout:    5 * time.Second,
		BootstrapRetryCount: 1,
		PresenceInterval:    150 * time.Millisecond,
	}
}

// SyncEngine is the protocol state machine between one DocumentStore and one
// Transport. It bootstraps a joining participant, relays local edits, applies
// remote edits without re-broadcasting them, and feeds ephemeral presence.
//
// Replication is whole-record last-write-wins with no ordering guarantee
// across peers. Two concurrent edits to the same record converge to whichever
// update a given peer received last, which may differ per peer. That is an
// acknowledged limitation of the protocol, not something this type corrects.
//
// Exactly one engine instance may be attached to a store at a time.
type SyncEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId    string
	transport Transport
	gateway   *PersistenceGateway
	settings  *EngineSettings

	presence *PresenceBroadcaster

	presenceUpdateCallbacks *CallbackList[PresenceFunction]
	peerJoinCallbacks       *CallbackList[PeerFunction]
	peerLeaveCallbacks      *CallbackList[PeerFunction]

	bootstrapNotify chan struct{}
	bootstrapOnce   sync.Once

	// applyMutex is held for the duration of a remote apply, including the
	// store notifications it raises. applyOwner identifies the applying
	// goroutine so its own nested notifications can be told apart from a
	// concurrent user edit, which waits and then broadcasts.
	applyMutex sync.Mutex
	applyOwner atomic.Uint64

	stateMutex       sync.Mutex
	store            DocumentStore
	connected        bool
	done             bool
	hasBootstrapped  bool
	gestureActive    bool
	localPresence    *PresenceState
	bootstrapTouched map[RecordId]bool
	unsubscribes     []func()
}

// gateway may be nil; without one the engine never schedules durable saves
// (the mesh variant).
func NewSyncEngine(
	ctx context.Context,
	roomId string,
	transport Transport,
	gateway *PersistenceGateway,
	settings *EngineSettings,
) *SyncEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	engine := &SyncEngine{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		roomId:                  roomId,
		transport:               transport,
		gateway:                 gateway,
		settings:                settings,
		presenceUpdateCallbacks: NewCallbackList[PresenceFunction](),
		peerJoinCallbacks:       NewCallbackList[PeerFunction](),
		peerLeaveCallbacks:      NewCallbackList[PeerFunction](),
		bootstrapNotify:         make(chan struct{}),
		bootstrapTouched:        map[RecordId]bool{},
	}
	engine.presence = newPresenceBroadcaster(engine)
	return engine
}

func NewSyncEngineWithDefaults(ctx context.Context, roomId string, transport Transport) *SyncEngine {
	return NewSyncEngine(ctx, roomId, transport, nil, DefaultEngineSettings())
}

// Connect attaches the engine to the store and begins bootstrap.
// Idempotent: a second call on a live engine is a no-op.
func (self *SyncEngine) Connect(store DocumentStore) error {
	self.stateMutex.Lock()
	if self.done {
		self.stateMutex.Unlock()
		return ErrEngineClosed
	}
	if self.connected {
		self.stateMutex.Unlock()
		return nil
	}
	self.connected = true
	self.store = store

	unsubscribes := []func(){
		store.Listen(self.localChange, SourceUser),
		self.transport.AddStateRequestCallback(self.stateRequest),
		self.transport.AddSnapshotCallback(self.remoteSnapshot),
		self.transport.AddChangeSetCallback(self.remoteChangeSet),
		self.transport.AddPresenceCallback(self.presence.receive),
		self.transport.AddPeerJoinCallback(self.peerJoin),
		self.transport.AddPeerLeaveCallback(self.peerLeave),
	}
	self.unsubscribes = unsubscribes
	self.stateMutex.Unlock()

	if self.gateway != nil {
		self.gateway.SetSnapshotSource(self.syncableSnapshot)
	}

	go self.runBootstrap()
	go self.presence.run(self.ctx)

	glog.V(1).Infof("[eng]connect room=%s peer=%s\n", self.roomId, self.transport.PeerId())
	return nil
}

// Disconnect tears down the engine. No callback touches the store afterward.
// In-flight network operations are not aborted; their completions become
// no-ops.
func (self *SyncEngine) Disconnect() {
	self.stateMutex.Lock()
	if self.done {
		self.stateMutex.Unlock()
		return
	}
	self.done = true
	self.connected = false
	unsubscribes := self.unsubscribes
	self.unsubscribes = nil
	self.stateMutex.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
	if self.gateway != nil {
		self.gateway.Close()
	}
	self.transport.Close()
	glog.V(1).Infof("[eng]disconnect room=%s\n", self.roomId)
}

var ErrEngineClosed = errors.New("engine closed")

func (self *SyncEngine) HasBootstrapped() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.hasBootstrapped
}

func (self *SyncEngine) GetPeerCount() int {
	return self.transport.PeerCount()
}

func (self *SyncEngine) OnPresenceUpdate(callback PresenceFunction) func() {
	return self.presenceUpdateCallbacks.Add(callback)
}

func (self *SyncEngine) OnPeerJoin(callback PeerFunction) func() {
	return self.peerJoinCallbacks.Add(callback)
}

func (self *SyncEngine) OnPeerLeave(callback PeerFunction) func() {
	return self.peerLeaveCallbacks.Add(callback)
}

// BroadcastPresence sets the presence payload the broadcaster sends on its
// next ticks. The peer id is always the transport's own.
func (self *SyncEngine) BroadcastPresence(presence *PresenceState) {
	localPresence := *presence
	localPresence.PeerId = self.transport.PeerId()

	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.localPresence = &localPresence
}

// SetGestureActive marks the local user as mid-gesture (camera pan or pinch).
// Presence ticks are skipped, not queued, while active.
func (self *SyncEngine) SetGestureActive(active bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.gestureActive = active
}

// bootstrap

func (self *SyncEngine) runBootstrap() {
	// a transport with durable backing bootstraps from storage directly,
	// no peer round-trip
	if loader, ok := self.transport.(SnapshotLoader); ok {
		snapshot, err := loader.LoadStoredSnapshot()
		if err == nil {
			if snapshot == nil {
				snapshot = NewSnapshot()
			}
			self.applySnapshot(snapshot)
			self.markBootstrapped()
			glog.V(1).Infof("[eng]bootstrap from storage room=%s records=%d\n", self.roomId, len(snapshot.Store))
			return
		}
		glog.Infof("[eng]durable load error = %s\n", err)
		// fall through to the peer protocol
	}

	for attempt := 0; attempt <= self.settings.BootstrapRetryCount; attempt += 1 {
		if self.isDone() {
			return
		}
		if err := self.transport.RequestState(PeerId{}); err != nil {
			glog.V(1).Infof("[eng]state request error = %s\n", err)
		}
		select {
		case <-self.ctx.Done():
			return
		case <-self.bootstrapNotify:
			return
		case <-time.After(self.settings.BootstrapTimeout):
		}
	}

	// no peer responded in any window. The room is empty and this peer is
	// authoritative for it. Not an error.
	glog.V(1).Infof("[eng]bootstrap empty room=%s\n", self.roomId)
	self.markBootstrapped()
}

func (self *SyncEngine) markBootstrapped() {
	self.stateMutex.Lock()
	self.hasBootstrapped = true
	self.bootstrapTouched = nil
	self.stateMutex.Unlock()
	self.bootstrapOnce.Do(func() {
		close(self.bootstrapNotify)
	})
}

func (self *SyncEngine) isDone() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.done
}

// outbound

func (self *SyncEngine) localChange(changeSet *ChangeSet, source ChangeSource) {
	if self.applyOwner.Load() == goroutineId() {
		// the in-flight apply's own store notifications must not re-broadcast
		return
	}

	// order this edit after any in-flight remote apply. The broadcast itself
	// runs outside the lock so a synchronous transport cannot deadlock two
	// engines sending to each other.
	self.applyMutex.Lock()
	self.applyMutex.Unlock()

	self.stateMutex.Lock()
	done := self.done
	gateway := self.gateway
	self.stateMutex.Unlock()
	if done {
		return
	}

	filtered := FilterChangeSet(changeSet)
	if filtered.IsEmpty() {
		return
	}

	if err := self.transport.SendChangeSet(filtered); err != nil {
		glog.Infof("[eng]broadcast error = %s\n", err)
	} else {
		glog.V(2).Infof("[eng]-> room=%s n=%d\n", self.roomId, filtered.Size())
	}

	// durable state must not lag just because the broadcast failed
	if gateway != nil {
		gateway.ScheduleSave()
	}
}

func (self *SyncEngine) syncableSnapshot() *Snapshot {
	self.stateMutex.Lock()
	store := self.store
	done := self.done
	self.stateMutex.Unlock()
	if done || store == nil {
		return nil
	}
	return FilterSnapshot(store.GetSnapshot())
}

// inbound

// applyRemote runs fn against the store with the re-entrancy guard held.
// applies are serialized on applyMutex so they cannot interleave with a user
// edit's broadcast decision, and the guard is released on every exit path.
func (self *SyncEngine) applyRemote(fn func(store DocumentStore)) {
	self.stateMutex.Lock()
	if self.done || self.store == nil {
		self.stateMutex.Unlock()
		return
	}
	store := self.store
	self.stateMutex.Unlock()

	owner := goroutineId()
	if self.applyOwner.Load() == owner {
		// re-entered from within the in-flight apply on this goroutine
		store.MergeRemoteChanges(func() {
			fn(store)
		})
		return
	}

	self.applyMutex.Lock()
	self.applyOwner.Store(owner)
	defer func() {
		self.applyOwner.Store(0)
		self.applyMutex.Unlock()
		if r := recover(); r != nil {
			glog.Infof("[eng]apply recovered = %v\n", r)
		}
	}()

	store.MergeRemoteChanges(func() {
		fn(store)
	})
}

func (self *SyncEngine) remoteChangeSet(changeSet *ChangeSet, fromPeer PeerId) {
	self.applyRemote(func(store DocumentStore) {
		filtered := FilterChangeSet(changeSet)
		self.noteTouched(filtered)
		// unconditional overwrite. last write wins, no merge.
		puts := make([]Record, 0, len(filtered.Added)+len(filtered.Updated))
		puts = append(puts, filtered.Added...)
		puts = append(puts, filtered.Updated...)
		store.Put(puts)
		store.Remove(filtered.Removed)
	})
	glog.V(2).Infof("[eng]<- room=%s peer=%s n=%d\n", self.roomId, fromPeer, changeSet.Size())
}

// noteTouched records ids changed by live updates while bootstrap is still
// pending, so a snapshot that finishes loading afterward cannot roll those
// records back to an older version.
func (self *SyncEngine) noteTouched(changeSet *ChangeSet) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.bootstrapTouched == nil {
		return
	}
	for _, record := range changeSet.Added {
		self.bootstrapTouched[record.Id] = true
	}
	for _, record := range changeSet.Updated {
		self.bootstrapTouched[record.Id] = true
	}
	for _, id := range changeSet.Removed {
		self.bootstrapTouched[id] = true
	}
}

func (self *SyncEngine) remoteSnapshot(snapshot *Snapshot, fromPeer PeerId) {
	self.applySnapshot(snapshot)
	self.markBootstrapped()
	glog.V(1).Infof("[eng]bootstrap from peer=%s room=%s records=%d\n", fromPeer, self.roomId, len(snapshot.Store))
}

func (self *SyncEngine) applySnapshot(snapshot *Snapshot) {
	self.applyRemote(func(store DocumentStore) {
		filtered := FilterSnapshot(snapshot)

		self.stateMutex.Lock()
		touched := self.bootstrapTouched
		self.stateMutex.Unlock()

		records := make([]Record, 0, len(filtered.Store))
		for _, record := range filtered.Store {
			if touched[record.Id] {
				// a live update that arrived during the load window is newer
				// than the stored row
				continue
			}
			records = append(records, record)
		}
		store.Put(records)
	})
}

func (self *SyncEngine) stateRequest(fromPeer PeerId) {
	self.stateMutex.Lock()
	if self.done || self.store == nil || !self.hasBootstrapped {
		// an un-bootstrapped peer has nothing authoritative to serve
		self.stateMutex.Unlock()
		return
	}
	store := self.store
	self.stateMutex.Unlock()

	snapshot := FilterSnapshot(store.GetSnapshot())
	if err := self.transport.SendSnapshot(snapshot, fromPeer); err != nil {
		glog.Infof("[eng]snapshot send error = %s\n", err)
	}
}

// membership

func (self *SyncEngine) peerJoin(peer PeerId) {
	self.stateMutex.Lock()
	done := self.done
	bootstrapped := self.hasBootstrapped
	self.stateMutex.Unlock()
	if done {
		return
	}

	if !bootstrapped {
		if err := self.transport.RequestState(peer); err != nil {
			glog.V(1).Infof("[eng]state request error = %s\n", err)
		}
	}

	for _, callback := range self.peerJoinCallbacks.Get() {
		callback := callback
		safeCallback("eng", func() {
			callback(peer)
		})
	}
}

func (self *SyncEngine) peerLeave(peer PeerId) {
	if self.isDone() {
		return
	}

	// drop the departed peer's cursor. The relay variant cannot resolve the
	// identity and reports UnknownPeer, in which case there is nothing to
	// clean up here; stale entries age out with the next presence tick.
	if peer != UnknownPeer {
		self.applyRemote(func(store DocumentStore) {
			store.Remove([]RecordId{presenceRecordId(peer)})
		})
	}

	for _, callback := range self.peerLeaveCallbacks.Get() {
		callback := callback
		safeCallback("eng", func() {
			callback(peer)
		})
	}
}

func (self *SyncEngine) localPresenceForBroadcast() (*PresenceState, bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.done || !self.connected {
		return nil, false
	}
	if self.gestureActive {
		// skip the tick entirely rather than queue it
		return nil, false
	}
	if self.localPresence == nil {
		return nil, false
	}
	presence := *self.localPresence
	return &presence, true
}
