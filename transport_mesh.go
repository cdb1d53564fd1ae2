package boardsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const MeshSendBufferSize = 32

type MeshTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultMeshTransportSettings() *MeshTransportSettings {
	return &MeshTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
	}
}

// MeshTransport joins a room through a public rendezvous point that forwards
// frames between peers and holds no document state. Delivery is best effort
// and unordered. Data durability exists only as long as at least one peer
// remains connected; the next joiner of an empty room starts from blank
// state.
type MeshTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId  PeerId
	roomUrl string

	settings *MeshTransportSettings
	handlers *transportHandlers

	sendChan chan []byte

	stateMutex sync.Mutex
	peers      map[PeerId]bool
}

// rendezvousUrl is the base url of the rendezvous point, e.g.
// "ws://localhost:8580".
func NewMeshTransport(
	ctx context.Context,
	rendezvousUrl string,
	roomId string,
	settings *MeshTransportSettings,
) *MeshTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	peerId := NewId()
	transport := &MeshTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		peerId:   peerId,
		roomUrl:  fmt.Sprintf("%s/rooms/%s?peer=%s", rendezvousUrl, roomId, peerId),
		settings: settings,
		handlers: newTransportHandlers("mesh"),
		sendChan: make(chan []byte, MeshSendBufferSize),
		peers:    map[PeerId]bool{},
	}
	go transport.run()
	return transport
}

func NewMeshTransportWithDefaults(ctx context.Context, rendezvousUrl string, roomId string) *MeshTransport {
	return NewMeshTransport(ctx, rendezvousUrl, roomId, DefaultMeshTransportSettings())
}

func (self *MeshTransport) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		ws, _, err := dialer.DialContext(self.ctx, self.roomUrl, nil)
		if err != nil {
			glog.Infof("[mesh]connect error %s = %s\n", self.peerId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConn(ws)
		self.clearPeers()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *MeshTransport) runConn(ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// close the socket as soon as teardown starts so the read loop unblocks
	// without waiting out its deadline
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-self.sendChan:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[mesh]%s-> error = %s\n", self.peerId, err)
					return
				}
				glog.V(2).Infof("[mesh]%s->\n", self.peerId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[mesh]%s<- error = %s\n", self.peerId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			self.receive(message)
		default:
			glog.V(2).Infof("[mesh]other=%d %s<-\n", messageType, self.peerId)
		}
	}
}

func (self *MeshTransport) receive(message []byte) {
	envelope, err := DecodeEnvelope(message)
	if err != nil {
		glog.Infof("[mesh]drop = %s\n", err)
		return
	}

	switch envelope.Type {
	case MessageTypeJoin:
		self.addPeer(envelope.FromPeer)
	case MessageTypeLeave:
		self.removePeer(envelope.FromPeer)
	case MessageTypeMembers:
		members := &MembersBody{}
		if err := envelope.DecodeBody(members); err != nil {
			glog.Infof("[mesh]drop = %s\n", err)
			return
		}
		for _, peer := range members.Peers {
			self.addPeer(peer)
		}
	default:
		self.handlers.dispatchEnvelope(envelope, self.peerId)
	}
}

func (self *MeshTransport) addPeer(peer PeerId) {
	if peer.IsZero() || peer == self.peerId {
		return
	}
	self.stateMutex.Lock()
	known := self.peers[peer]
	self.peers[peer] = true
	self.stateMutex.Unlock()

	if !known {
		glog.V(1).Infof("[mesh]join %s\n", peer)
		self.handlers.peerJoin(peer)
	}
}

func (self *MeshTransport) removePeer(peer PeerId) {
	if peer.IsZero() {
		return
	}
	self.stateMutex.Lock()
	known := self.peers[peer]
	delete(self.peers, peer)
	self.stateMutex.Unlock()

	if known {
		glog.V(1).Infof("[mesh]leave %s\n", peer)
		self.handlers.peerLeave(peer)
	}
}

// clearPeers drops the whole membership view when the rendezvous connection
// is lost. The member list is replayed on reconnect.
func (self *MeshTransport) clearPeers() {
	self.stateMutex.Lock()
	peers := make([]PeerId, 0, len(self.peers))
	for peer := range self.peers {
		peers = append(peers, peer)
	}
	self.peers = map[PeerId]bool{}
	self.stateMutex.Unlock()

	for _, peer := range peers {
		self.handlers.peerLeave(peer)
	}
}

func (self *MeshTransport) send(messageType MessageType, toPeer PeerId, body any) error {
	envelope, err := NewEnvelope(messageType, self.peerId, toPeer, body)
	if err != nil {
		return err
	}
	message, err := EncodeEnvelope(envelope)
	if err != nil {
		return err
	}

	select {
	case self.sendChan <- message:
		return nil
	default:
		// best effort. drop rather than block the caller.
		glog.V(1).Infof("[mesh]send buffer full %s\n", self.peerId)
		return fmt.Errorf("send buffer full")
	}
}

func (self *MeshTransport) RequestState(targetPeer PeerId) error {
	return self.send(MessageTypeStateRequest, targetPeer, nil)
}

func (self *MeshTransport) SendSnapshot(snapshot *Snapshot, targetPeer PeerId) error {
	return self.send(MessageTypeFullState, targetPeer, snapshot)
}

func (self *MeshTransport) SendChangeSet(changeSet *ChangeSet) error {
	return self.send(MessageTypeUpdate, PeerId{}, changeSet)
}

func (self *MeshTransport) SendPresence(presence *PresenceState) error {
	return self.send(MessageTypePresence, PeerId{}, presence)
}

func (self *MeshTransport) AddStateRequestCallback(callback StateRequestFunction) func() {
	return self.handlers.AddStateRequestCallback(callback)
}

func (self *MeshTransport) AddSnapshotCallback(callback SnapshotFunction) func() {
	return self.handlers.AddSnapshotCallback(callback)
}

func (self *MeshTransport) AddChangeSetCallback(callback ChangeSetFunction) func() {
	return self.handlers.AddChangeSetCallback(callback)
}

func (self *MeshTransport) AddPresenceCallback(callback PresenceFunction) func() {
	return self.handlers.AddPresenceCallback(callback)
}

func (self *MeshTransport) AddPeerJoinCallback(callback PeerFunction) func() {
	return self.handlers.AddPeerJoinCallback(callback)
}

func (self *MeshTransport) AddPeerLeaveCallback(callback PeerFunction) func() {
	return self.handlers.AddPeerLeaveCallback(callback)
}

func (self *MeshTransport) PeerId() PeerId {
	return self.peerId
}

func (self *MeshTransport) PeerCount() int {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return len(self.peers)
}

func (self *MeshTransport) Close() {
	self.cancel()
}
