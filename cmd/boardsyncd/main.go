package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/openboard/boardsync"
)

const BoardsyncdVersion = "0.1.0"

const PeerSendBufferSize = 64

// the rendezvous point for the mesh variant. It forwards frames between the
// peers of a room and holds no document state: when the last peer leaves, the
// room is gone.

type Config struct {
	Port         int           `env:"BOARDSYNCD_PORT" envDefault:"8580"`
	WriteTimeout time.Duration `env:"BOARDSYNCD_WRITE_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"BOARDSYNCD_READ_TIMEOUT" envDefault:"60s"`
}

func main() {
	usage := `Boardsync rendezvous daemon.

Usage:
    boardsyncd serve [--port=<port>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --port=<port>    Listen port (overrides BOARDSYNCD_PORT).`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BoardsyncdVersion)
	if err != nil {
		panic(err)
	}

	flag.CommandLine.Parse([]string{"-logtostderr=true"})

	config := &Config{}
	if err := env.Parse(config); err != nil {
		glog.Errorf("config error = %s\n", err)
		os.Exit(1)
	}
	if port, err := opts.Int("--port"); err == nil && 0 < port {
		config.Port = port
	}

	if serve, _ := opts.Bool("serve"); serve {
		runServer(config)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func runServer(config *Config) {
	server := newRoomServer(config)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{roomId}", server.serveRoom)

	glog.Infof("boardsyncd listening on :%d\n", config.Port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), mux); err != nil {
		glog.Errorf("listen error = %s\n", err)
		os.Exit(1)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type roomServer struct {
	config *Config

	mutex sync.Mutex
	rooms map[string]*room
}

func newRoomServer(config *Config) *roomServer {
	return &roomServer{
		config: config,
		rooms:  map[string]*room{},
	}
}

func (self *roomServer) serveRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")
	if roomId == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}
	peerId, err := boardsync.ParseId(r.URL.Query().Get("peer"))
	if err != nil || peerId.IsZero() {
		http.Error(w, "missing or invalid peer id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("upgrade error = %s\n", err)
		return
	}

	peer := &roomPeer{
		peerId:    peerId,
		ws:        ws,
		sendChan:  make(chan []byte, PeerSendBufferSize),
		closeChan: make(chan struct{}),
	}

	self.mutex.Lock()
	room_, ok := self.rooms[roomId]
	if !ok {
		room_ = newRoom(roomId, self.config)
		self.rooms[roomId] = room_
	}
	self.mutex.Unlock()

	room_.join(peer)
	glog.V(1).Infof("[rdv]join room=%s peer=%s\n", roomId, peerId)

	go peer.writePump(self.config)
	peer.readPump(room_)

	empty := room_.leave(peer)
	glog.V(1).Infof("[rdv]leave room=%s peer=%s\n", roomId, peerId)
	if empty {
		self.mutex.Lock()
		if room_.size() == 0 {
			delete(self.rooms, roomId)
		}
		self.mutex.Unlock()
	}
}

type room struct {
	roomId string
	config *Config

	mutex sync.Mutex
	peers map[boardsync.PeerId]*roomPeer
}

func newRoom(roomId string, config *Config) *room {
	return &room{
		roomId: roomId,
		config: config,
		peers:  map[boardsync.PeerId]*roomPeer{},
	}
}

func (self *room) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.peers)
}

func (self *room) join(peer *roomPeer) {
	self.mutex.Lock()
	members := make([]boardsync.PeerId, 0, len(self.peers))
	for peerId := range self.peers {
		members = append(members, peerId)
	}
	// a reconnect with the same peer id replaces the stale connection
	if stale, ok := self.peers[peer.peerId]; ok {
		stale.close()
	}
	self.peers[peer.peerId] = peer
	self.mutex.Unlock()

	// the newcomer gets the current member list so it can target a state
	// request immediately
	if message, err := controlMessage(boardsync.MessageTypeMembers, boardsync.PeerId{}, &boardsync.MembersBody{Peers: members}); err == nil {
		peer.enqueue(message)
	}

	if message, err := controlMessage(boardsync.MessageTypeJoin, peer.peerId, nil); err == nil {
		self.broadcast(message, peer.peerId)
	}
}

// leave reports whether the room is now empty.
func (self *room) leave(peer *roomPeer) bool {
	self.mutex.Lock()
	current, ok := self.peers[peer.peerId]
	if ok && current == peer {
		delete(self.peers, peer.peerId)
	}
	empty := len(self.peers) == 0
	self.mutex.Unlock()

	peer.close()

	if ok && current == peer {
		if message, err := controlMessage(boardsync.MessageTypeLeave, peer.peerId, nil); err == nil {
			self.broadcast(message, peer.peerId)
		}
	}
	return empty
}

// forward routes one data frame: addressed frames go to their target only,
// unaddressed frames go to everyone except the sender.
func (self *room) forward(message []byte, fromPeer boardsync.PeerId) {
	envelope, err := boardsync.DecodeEnvelope(message)
	if err != nil {
		glog.V(1).Infof("[rdv]drop room=%s = %s\n", self.roomId, err)
		return
	}
	if envelope.FromPeer != fromPeer {
		// a peer may only speak for itself
		glog.V(1).Infof("[rdv]drop room=%s spoofed from=%s\n", self.roomId, envelope.FromPeer)
		return
	}

	if !envelope.ToPeer.IsZero() {
		self.mutex.Lock()
		target, ok := self.peers[envelope.ToPeer]
		self.mutex.Unlock()
		if ok {
			target.enqueue(message)
		}
		return
	}
	self.broadcast(message, fromPeer)
}

func (self *room) broadcast(message []byte, exceptPeer boardsync.PeerId) {
	self.mutex.Lock()
	targets := make([]*roomPeer, 0, len(self.peers))
	for peerId, peer := range self.peers {
		if peerId != exceptPeer {
			targets = append(targets, peer)
		}
	}
	self.mutex.Unlock()

	for _, peer := range targets {
		peer.enqueue(message)
	}
}

func controlMessage(messageType boardsync.MessageType, fromPeer boardsync.PeerId, body any) ([]byte, error) {
	envelope, err := boardsync.NewEnvelope(messageType, fromPeer, boardsync.PeerId{}, body)
	if err != nil {
		return nil, err
	}
	return boardsync.EncodeEnvelope(envelope)
}

type roomPeer struct {
	peerId   boardsync.PeerId
	ws       *websocket.Conn
	sendChan chan []byte

	closeOnce sync.Once
	closeChan chan struct{}
}

func (self *roomPeer) enqueue(message []byte) {
	select {
	case self.sendChan <- message:
	default:
		// slow consumer. best effort, drop.
		glog.V(1).Infof("[rdv]drop slow peer=%s\n", self.peerId)
	}
}

func (self *roomPeer) close() {
	self.closeOnce.Do(func() {
		close(self.closeChan)
		self.ws.Close()
	})
}

func (self *roomPeer) readPump(room_ *room) {
	defer self.close()

	for {
		self.ws.SetReadDeadline(time.Now().Add(room_.config.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		room_.forward(message, self.peerId)
	}
}

func (self *roomPeer) writePump(config *Config) {
	defer self.close()

	for {
		select {
		case <-self.closeChan:
			return
		case message := <-self.sendChan:
			self.ws.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}
