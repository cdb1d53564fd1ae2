package boardsync

import (
	"github.com/golang/glog"
)

type StateRequestFunction func(fromPeer PeerId)
type SnapshotFunction func(snapshot *Snapshot, fromPeer PeerId)
type ChangeSetFunction func(changeSet *ChangeSet, fromPeer PeerId)
type PresenceFunction func(presence *PresenceState, fromPeer PeerId)
type PeerFunction func(peer PeerId)

// Transport moves wire messages between the peers of one room.
// Delivery is best effort. Two implementations ship with the engine:
// MeshTransport (serverless rendezvous mesh) and RelayTransport
// (centralized pub/sub with a durable backing store). MemoryTransport is an
// in-process variant for tests and same-process views.
type Transport interface {
	// RequestState asks for a full state snapshot. A zero target addresses
	// any reachable peer.
	RequestState(targetPeer PeerId) error
	SendSnapshot(snapshot *Snapshot, targetPeer PeerId) error
	// SendChangeSet broadcasts to all other peers in the room.
	SendChangeSet(changeSet *ChangeSet) error
	// SendPresence broadcasts ephemeral presence to all other peers.
	SendPresence(presence *PresenceState) error

	AddStateRequestCallback(callback StateRequestFunction) func()
	AddSnapshotCallback(callback SnapshotFunction) func()
	AddChangeSetCallback(callback ChangeSetFunction) func()
	AddPresenceCallback(callback PresenceFunction) func()
	AddPeerJoinCallback(callback PeerFunction) func()
	AddPeerLeaveCallback(callback PeerFunction) func()

	PeerId() PeerId
	PeerCount() int
	Close()
}

// SnapshotLoader is implemented by transports backed by durable storage.
// the engine bootstraps from it directly instead of a peer round-trip.
type SnapshotLoader interface {
	LoadStoredSnapshot() (*Snapshot, error)
}

// transportHandlers is the callback registry and inbound dispatch shared by
// all transport implementations, so filtering and decode behavior cannot
// drift between variants.
type transportHandlers struct {
	tag string

	stateRequestCallbacks *CallbackList[StateRequestFunction]
	snapshotCallbacks     *CallbackList[SnapshotFunction]
	changeSetCallbacks    *CallbackList[ChangeSetFunction]
	presenceCallbacks     *CallbackList[PresenceFunction]
	peerJoinCallbacks     *CallbackList[PeerFunction]
	peerLeaveCallbacks    *CallbackList[PeerFunction]
}

func newTransportHandlers(tag string) *transportHandlers {
	return &transportHandlers{
		tag:                   tag,
		stateRequestCallbacks: NewCallbackList[StateRequestFunction](),
		snapshotCallbacks:     NewCallbackList[SnapshotFunction](),
		changeSetCallbacks:    NewCallbackList[ChangeSetFunction](),
		presenceCallbacks:     NewCallbackList[PresenceFunction](),
		peerJoinCallbacks:     NewCallbackList[PeerFunction](),
		peerLeaveCallbacks:    NewCallbackList[PeerFunction](),
	}
}

func (self *transportHandlers) AddStateRequestCallback(callback StateRequestFunction) func() {
	return self.stateRequestCallbacks.Add(callback)
}

func (self *transportHandlers) AddSnapshotCallback(callback SnapshotFunction) func() {
	return self.snapshotCallbacks.Add(callback)
}

func (self *transportHandlers) AddChangeSetCallback(callback ChangeSetFunction) func() {
	return self.changeSetCallbacks.Add(callback)
}

func (self *transportHandlers) AddPresenceCallback(callback PresenceFunction) func() {
	return self.presenceCallbacks.Add(callback)
}

func (self *transportHandlers) AddPeerJoinCallback(callback PeerFunction) func() {
	return self.peerJoinCallbacks.Add(callback)
}

func (self *transportHandlers) AddPeerLeaveCallback(callback PeerFunction) func() {
	return self.peerLeaveCallbacks.Add(callback)
}

func (self *transportHandlers) peerJoin(peer PeerId) {
	for _, callback := range self.peerJoinCallbacks.Get() {
		callback := callback
		safeCallback(self.tag, func() {
			callback(peer)
		})
	}
}

func (self *transportHandlers) peerLeave(peer PeerId) {
	for _, callback := range self.peerLeaveCallbacks.Get() {
		callback := callback
		safeCallback(self.tag, func() {
			callback(peer)
		})
	}
}

// dispatch decodes one inbound frame and fans it out. Self-originated and
// misaddressed frames are dropped. A malformed frame is logged and skipped;
// it never tears down the session.
func (self *transportHandlers) dispatch(message []byte, selfPeer PeerId) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		glog.Infof("[%s]drop = %s\n", self.tag, err)
		return
	}
	self.dispatchEnvelope(envelope, selfPeer)
}

func (self *transportHandlers) dispatchEnvelope(envelope *Envelope, selfPeer PeerId) {
	if envelope.FromPeer == selfPeer {
		// echo of our own broadcast
		return
	}
	if !envelope.ToPeer.IsZero() && envelope.ToPeer != selfPeer {
		return
	}

	switch envelope.Type {
	case MessageTypeStateRequest:
		for _, callback := range self.stateRequestCallbacks.Get() {
			callback := callback
			safeCallback(self.tag, func() {
				callback(envelope.FromPeer)
			})
		}
	case MessageTypeFullState:
		snapshot := &Snapshot{}
		if err := envelope.DecodeBody(snapshot); err != nil {
			glog.Infof("[%s]drop = %s\n", self.tag, err)
			return
		}
		for _, callback := range self.snapshotCallbacks.Get() {
			callback := callback
			safeCallback(self.tag, func() {
				callback(snapshot, envelope.FromPeer)
			})
		}
	case MessageTypeUpdate:
		changeSet := &ChangeSet{}
		if err := envelope.DecodeBody(changeSet); err != nil {
			glog.Infof("[%s]drop = %s\n", self.tag, err)
			return
		}
		for _, callback := range self.changeSetCallbacks.Get() {
			callback := callback
			safeCallback(self.tag, func() {
				callback(changeSet, envelope.FromPeer)
			})
		}
	case MessageTypePresence:
		presence := &PresenceState{}
		if err := envelope.DecodeBody(presence); err != nil {
			glog.Infof("[%s]drop = %s\n", self.tag, err)
			return
		}
		for _, callback := range self.presenceCallbacks.Get() {
			callback := callback
			safeCallback(self.tag, func() {
				callback(presence, envelope.FromPeer)
			})
		}
	default:
		glog.V(2).Infof("[%s]ignore type=%s\n", self.tag, envelope.Type)
	}
}
