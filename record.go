package boardsync

import (
	"encoding/json"
)

// Record is the atomic unit of shared document state.
// the payload is opaque to the sync layer.
type Record struct {
	Id       RecordId        `json:"id"`
	TypeName string          `json:"typeName"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ChangeSet is one replication unit. It must be applied as a single batch
// so observers never see a partial state.
type ChangeSet struct {
	Added   []Record   `json:"added,omitempty"`
	Updated []Record   `json:"updated,omitempty"`
	Removed []RecordId `json:"removed,omitempty"`
}

func (self *ChangeSet) IsEmpty() bool {
	return len(self.Added) == 0 && len(self.Updated) == 0 && len(self.Removed) == 0
}

func (self *ChangeSet) Size() int {
	return len(self.Added) + len(self.Updated) + len(self.Removed)
}

// Merge folds `next` into this change set, keyed by record id.
// a later add/update replaces an earlier one. a removal drops any
// pending add/update for the same id.
func (self *ChangeSet) Merge(next *ChangeSet) {
	for _, record := range next.Added {
		self.mergePut(record, true)
	}
	for _, record := range next.Updated {
		self.mergePut(record, false)
	}
	for _, id := range next.Removed {
		self.mergeRemove(id)
	}
}

func (self *ChangeSet) mergePut(record Record, added bool) {
	for i := range self.Added {
		if self.Added[i].Id == record.Id {
			self.Added[i] = record
			return
		}
	}
	for i := range self.Updated {
		if self.Updated[i].Id == record.Id {
			self.Updated[i] = record
			return
		}
	}
	if added {
		self.Added = append(self.Added, record)
	} else {
		self.Updated = append(self.Updated, record)
	}
}

func (self *ChangeSet) mergeRemove(id RecordId) {
	for i := range self.Added {
		if self.Added[i].Id == id {
			self.Added = append(self.Added[0:i], self.Added[i+1:]...)
			// an add followed by a remove cancels out
			return
		}
	}
	for i := range self.Updated {
		if self.Updated[i].Id == id {
			self.Updated = append(self.Updated[0:i], self.Updated[i+1:]...)
			break
		}
	}
	for _, removedId := range self.Removed {
		if removedId == id {
			return
		}
	}
	self.Removed = append(self.Removed, id)
}

const CurrentSchemaVersion = 1

// Snapshot is the full-state bootstrap payload.
type Snapshot struct {
	Store         map[RecordId]Record `json:"store"`
	SchemaVersion int                 `json:"schemaVersion"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Store:         map[RecordId]Record{},
		SchemaVersion: CurrentSchemaVersion,
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceState is ephemeral per-peer cursor state. It is never part of a
// Snapshot or ChangeSet and is never persisted.
type PresenceState struct {
	PeerId        PeerId   `json:"peerId"`
	DisplayName   string   `json:"displayName"`
	Color         string   `json:"color"`
	Cursor        *Point   `json:"cursor"`
	CurrentPageId RecordId `json:"currentPageId,omitempty"`
}
