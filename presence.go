package boardsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

func presenceRecordId(peer PeerId) RecordId {
	return RecordIdOf(TypePresence, peer.String())
}

// PresenceBroadcaster shares ephemeral cursor state on a fixed timer,
// decoupled from document replication. Inbound presence is upserted through
// the engine's remote-apply path so it respects the same loop-prevention
// guard as document changes.
type PresenceBroadcaster struct {
	engine *SyncEngine
}

func newPresenceBroadcaster(engine *SyncEngine) *PresenceBroadcaster {
	return &PresenceBroadcaster{
		engine: engine,
	}
}

func (self *PresenceBroadcaster) run(ctx context.Context) {
	ticker := time.NewTicker(self.engine.settings.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self.tick()
		}
	}
}

func (self *PresenceBroadcaster) tick() {
	presence, ok := self.engine.localPresenceForBroadcast()
	if !ok {
		return
	}
	if err := self.engine.transport.SendPresence(presence); err != nil {
		glog.V(1).Infof("[pres]send error = %s\n", err)
	}
}

// receive upserts the remote cursor entry keyed by peer id. A null cursor
// preserves the previously known position instead of resetting it, so remote
// cursors never snap to an origin point; with no prior position the cursor
// defaults to the origin.
func (self *PresenceBroadcaster) receive(presence *PresenceState, fromPeer PeerId) {
	peer := fromPeer
	if peer.IsZero() {
		peer = presence.PeerId
	}
	if peer.IsZero() {
		glog.V(1).Infof("[pres]drop presence without peer\n")
		return
	}

	resolved := *presence
	resolved.PeerId = peer
	recordId := presenceRecordId(peer)

	self.engine.applyRemote(func(store DocumentStore) {
		if resolved.Cursor == nil {
			if prior, ok := store.Get(recordId); ok {
				priorPresence := &PresenceState{}
				if err := json.Unmarshal(prior.Payload, priorPresence); err == nil {
					resolved.Cursor = priorPresence.Cursor
				}
			}
		}
		if resolved.Cursor == nil {
			resolved.Cursor = &Point{}
		}

		payload, err := json.Marshal(&resolved)
		if err != nil {
			glog.Infof("[pres]encode error = %s\n", err)
			return
		}
		store.Put([]Record{{
			Id:       recordId,
			TypeName: TypePresence,
			Payload:  payload,
		}})
	})

	for _, callback := range self.engine.presenceUpdateCallbacks.Get() {
		callback := callback
		safeCallback("pres", func() {
			callback(&resolved, peer)
		})
	}
}
