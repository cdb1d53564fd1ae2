package boardsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

type RelayTransportSettings struct {
	// how often this peer refreshes its membership entry
	HeartbeatInterval time.Duration
	// membership entries older than this are treated as departed
	MemberTtl time.Duration
	// how often the membership set is re-read and diffed
	SyncInterval time.Duration
	SendTimeout  time.Duration
	LoadTimeout  time.Duration
}

func DefaultRelayTransportSettings() *RelayTransportSettings {
	return &RelayTransportSettings{
		HeartbeatInterval: 3 * time.Second,
		MemberTtl:         10 * time.Second,
		SyncInterval:      1 * time.Second,
		SendTimeout:       5 * time.Second,
		LoadTimeout:       10 * time.Second,
	}
}

// RelayTransport fans broadcasts out through one shared pub/sub channel per
// room. Every subscriber receives every publish, so self-originated frames
// are dropped on receive. Membership is derived from a heartbeat set rather
// than explicit join/leave messages: the set is re-read on a sync tick, a
// newly observed key fires one onPeerJoin, and a shrinking count fires a
// single onPeerLeave carrying UnknownPeer, because the departed identity is
// not determinable from this mechanism.
//
// Per-channel delivery is ordered, unlike the mesh.
type RelayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId    PeerId
	roomId    string
	client    *redis.Client
	roomStore RoomStore

	settings *RelayTransportSettings
	handlers *transportHandlers

	stateMutex sync.Mutex
	members    map[PeerId]bool
}

// roomStore may be nil, in which case the engine falls back to an empty
// bootstrap and nothing is durable.
func NewRelayTransport(
	ctx context.Context,
	client *redis.Client,
	roomId string,
	roomStore RoomStore,
	settings *RelayTransportSettings,
) *RelayTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RelayTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		peerId:    NewId(),
		roomId:    roomId,
		client:    client,
		roomStore: roomStore,
		settings:  settings,
		handlers:  newTransportHandlers("relay"),
		members:   map[PeerId]bool{},
	}
	go transport.run()
	return transport
}

func NewRelayTransportWithDefaults(
	ctx context.Context,
	client *redis.Client,
	roomId string,
	roomStore RoomStore,
) *RelayTransport {
	return NewRelayTransport(ctx, client, roomId, roomStore, DefaultRelayTransportSettings())
}

func (self *RelayTransport) channelKey() string {
	return fmt.Sprintf("boardsync:room:%s", self.roomId)
}

func (self *RelayTransport) membersKey() string {
	return fmt.Sprintf("boardsync:room:%s:members", self.roomId)
}

func (self *RelayTransport) run() {
	defer self.cancel()

	pubsub := self.client.Subscribe(self.ctx, self.channelKey())
	defer pubsub.Close()

	go func() {
		for message := range pubsub.Channel() {
			self.handlers.dispatch([]byte(message.Payload), self.peerId)
		}
	}()

	self.heartbeat()
	self.syncMembers()

	heartbeatTicker := time.NewTicker(self.settings.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	syncTicker := time.NewTicker(self.settings.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			self.depart()
			return
		case <-heartbeatTicker.C:
			self.heartbeat()
		case <-syncTicker.C:
			self.syncMembers()
		}
	}
}

func (self *RelayTransport) heartbeat() {
	deadline := time.Now().Add(self.settings.MemberTtl).UnixMilli()
	err := self.client.ZAdd(self.ctx, self.membersKey(), redis.Z{
		Score:  float64(deadline),
		Member: self.peerId.String(),
	}).Err()
	if err != nil {
		glog.Infof("[relay]heartbeat error = %s\n", err)
	}
}

// syncMembers re-reads the membership set and fires join/leave callbacks
// from the diff against the previous view.
func (self *RelayTransport) syncMembers() {
	membersKey := self.membersKey()
	now := time.Now().UnixMilli()
	if err := self.client.ZRemRangeByScore(self.ctx, membersKey, "-inf", fmt.Sprintf("(%d", now)).Err(); err != nil {
		glog.Infof("[relay]member prune error = %s\n", err)
		return
	}
	memberStrs, err := self.client.ZRange(self.ctx, membersKey, 0, -1).Result()
	if err != nil {
		glog.Infof("[relay]member read error = %s\n", err)
		return
	}

	next := map[PeerId]bool{}
	for _, memberStr := range memberStrs {
		peer, err := ParseId(memberStr)
		if err != nil || peer == self.peerId {
			continue
		}
		next[peer] = true
	}

	self.stateMutex.Lock()
	prev := self.members
	self.members = next
	self.stateMutex.Unlock()

	joined, left := diffMembership(prev, next)
	for _, peer := range joined {
		glog.V(1).Infof("[relay]join %s\n", peer)
		self.handlers.peerJoin(peer)
	}
	if left {
		glog.V(1).Infof("[relay]leave\n")
		self.handlers.peerLeave(UnknownPeer)
	}
}

// diffMembership reports each newly observed key and whether the set shrank.
// a shrink is reported once per sync event no matter how many keys expired,
// and without identifying them.
func diffMembership(prev map[PeerId]bool, next map[PeerId]bool) (joined []PeerId, left bool) {
	for peer := range next {
		if !prev[peer] {
			joined = append(joined, peer)
		}
	}
	left = len(next) < len(prev)
	return
}

func (self *RelayTransport) depart() {
	// remove our membership entry so other peers see the departure on their
	// next sync instead of waiting for the ttl
	departCtx, departCancel := context.WithTimeout(context.Background(), self.settings.SendTimeout)
	defer departCancel()
	if err := self.client.ZRem(departCtx, self.membersKey(), self.peerId.String()).Err(); err != nil {
		glog.V(1).Infof("[relay]depart error = %s\n", err)
	}
}

func (self *RelayTransport) send(messageType MessageType, toPeer PeerId, body any) error {
	envelope, err := NewEnvelope(messageType, self.peerId, toPeer, body)
	if err != nil {
		return err
	}
	message, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	sendCtx, sendCancel := context.WithTimeout(self.ctx, self.settings.SendTimeout)
	defer sendCancel()
	if err := self.client.Publish(sendCtx, self.channelKey(), message).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	glog.V(2).Infof("[relay]%s-> %s\n", self.peerId, messageType)
	return nil
}

// LoadStoredSnapshot implements SnapshotLoader. It returns nil with no error
// when the room has never been saved.
func (self *RelayTransport) LoadStoredSnapshot() (*Snapshot, error) {
	if self.roomStore == nil {
		return nil, nil
	}
	loadCtx, loadCancel := context.WithTimeout(self.ctx, self.settings.LoadTimeout)
	defer loadCancel()
	return self.roomStore.LoadSnapshot(loadCtx, self.roomId)
}

func (self *RelayTransport) RequestState(targetPeer PeerId) error {
	return self.send(MessageTypeStateRequest, targetPeer, nil)
}

func (self *RelayTransport) SendSnapshot(snapshot *Snapshot, targetPeer PeerId) error {
	return self.send(MessageTypeFullState, targetPeer, snapshot)
}

func (self *RelayTransport) SendChangeSet(changeSet *ChangeSet) error {
	return self.send(MessageTypeUpdate, PeerId{}, changeSet)
}

func (self *RelayTransport) SendPresence(presence *PresenceState) error {
	return self.send(MessageTypePresence, PeerId{}, presence)
}

func (self *RelayTransport) AddStateRequestCallback(callback StateRequestFunction) func() {
	return self.handlers.AddStateRequestCallback(callback)
}

func (self *RelayTransport) AddSnapshotCallback(callback SnapshotFunction) func() {
	return self.handlers.AddSnapshotCallback(callback)
}

func (self *RelayTransport) AddChangeSetCallback(callback ChangeSetFunction) func() {
	return self.handlers.AddChangeSetCallback(callback)
}

func (self *RelayTransport) AddPresenceCallback(callback PresenceFunction) func() {
	return self.handlers.AddPresenceCallback(callback)
}

func (self *RelayTransport) AddPeerJoinCallback(callback PeerFunction) func() {
	return self.handlers.AddPeerJoinCallback(callback)
}

func (self *RelayTransport) AddPeerLeaveCallback(callback PeerFunction) func() {
	return self.handlers.AddPeerLeaveCallback(callback)
}

func (self *RelayTransport) PeerId() PeerId {
	return self.peerId
}

func (self *RelayTransport) PeerCount() int {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return len(self.members)
}

func (self *RelayTransport) Close() {
	self.cancel()
}
