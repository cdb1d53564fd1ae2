package boardsync

import (
	"fmt"
	"sync"
)

// MemoryHub is an in-process mesh. All attached transports see each other as
// peers, with synchronous delivery. Used by tests and by multiple views of
// one document in a single process.
type MemoryHub struct {
	mutex      sync.Mutex
	transports map[PeerId]*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		transports: map[PeerId]*MemoryTransport{},
	}
}

func (self *MemoryHub) NewTransport() *MemoryTransport {
	transport := &MemoryTransport{
		hub:      self,
		peerId:   NewId(),
		handlers: newTransportHandlers("mem"),
	}

	self.mutex.Lock()
	existing := make([]*MemoryTransport, 0, len(self.transports))
	for _, other := range self.transports {
		existing = append(existing, other)
	}
	self.transports[transport.peerId] = transport
	self.mutex.Unlock()

	for _, other := range existing {
		other.handlers.peerJoin(transport.peerId)
		transport.handlers.peerJoin(other.peerId)
	}
	return transport
}

func (self *MemoryHub) remove(transport *MemoryTransport) {
	self.mutex.Lock()
	delete(self.transports, transport.peerId)
	remaining := make([]*MemoryTransport, 0, len(self.transports))
	for _, other := range self.transports {
		remaining = append(remaining, other)
	}
	self.mutex.Unlock()

	for _, other := range remaining {
		other.handlers.peerLeave(transport.peerId)
	}
}

func (self *MemoryHub) deliver(message []byte, fromPeer PeerId) {
	self.mutex.Lock()
	targets := make([]*MemoryTransport, 0, len(self.transports))
	for _, transport := range self.transports {
		if transport.peerId != fromPeer {
			targets = append(targets, transport)
		}
	}
	self.mutex.Unlock()

	// frames go through the envelope codec so the memory path exercises the
	// same decode and addressing rules as the network transports
	for _, transport := range targets {
		if transport.closed() {
			continue
		}
		transport.handlers.dispatch(message, transport.peerId)
	}
}

type MemoryTransport struct {
	hub      *MemoryHub
	peerId   PeerId
	handlers *transportHandlers

	mutex   sync.Mutex
	closed_ bool
}

func (self *MemoryTransport) PeerId() PeerId {
	return self.peerId
}

func (self *MemoryTransport) PeerCount() int {
	self.hub.mutex.Lock()
	defer self.hub.mutex.Unlock()
	count := len(self.hub.transports)
	if _, ok := self.hub.transports[self.peerId]; ok {
		count -= 1
	}
	return count
}

func (self *MemoryTransport) send(messageType MessageType, toPeer PeerId, body any) error {
	if self.closed() {
		return fmt.Errorf("transport closed")
	}
	envelope, err := NewEnvelope(messageType, self.peerId, toPeer, body)
	if err != nil {
		return err
	}
	message, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	self.hub.deliver(message, self.peerId)
	return nil
}

func (self *MemoryTransport) RequestState(targetPeer PeerId) error {
	return self.send(MessageTypeStateRequest, targetPeer, nil)
}

func (self *MemoryTransport) SendSnapshot(snapshot *Snapshot, targetPeer PeerId) error {
	return self.send(MessageTypeFullState, targetPeer, snapshot)
}

func (self *MemoryTransport) SendChangeSet(changeSet *ChangeSet) error {
	return self.send(MessageTypeUpdate, PeerId{}, changeSet)
}

func (self *MemoryTransport) SendPresence(presence *PresenceState) error {
	return self.send(MessageTypePresence, PeerId{}, presence)
}

func (self *MemoryTransport) AddStateRequestCallback(callback StateRequestFunction) func() {
	return self.handlers.AddStateRequestCallback(callback)
}

func (self *MemoryTransport) AddSnapshotCallback(callback SnapshotFunction) func() {
	return self.handlers.AddSnapshotCallback(callback)
}

func (self *MemoryTransport) AddChangeSetCallback(callback ChangeSetFunction) func() {
	return self.handlers.AddChangeSetCallback(callback)
}

func (self *MemoryTransport) AddPresenceCallback(callback PresenceFunction) func() {
	return self.handlers.AddPresenceCallback(callback)
}

func (self *MemoryTransport) AddPeerJoinCallback(callback PeerFunction) func() {
	return self.handlers.AddPeerJoinCallback(callback)
}

func (self *MemoryTransport) AddPeerLeaveCallback(callback PeerFunction) func() {
	return self.handlers.AddPeerLeaveCallback(callback)
}

func (self *MemoryTransport) closed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed_
}

func (self *MemoryTransport) Close() {
	self.mutex.Lock()
	if self.closed_ {
		self.mutex.Unlock()
		return
	}
	self.closed_ = true
	self.mutex.Unlock()

	self.hub.remove(self)
}
