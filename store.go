package boardsync

import (
	"sync"
)

// ChangeSource distinguishes locally originated edits from edits applied on
// behalf of a remote peer.
type ChangeSource int

const (
	SourceUser ChangeSource = iota
	SourceRemote
)

type StoreChangeFunction func(changeSet *ChangeSet, source ChangeSource)

// DocumentStore is the document collaborator the engine replicates.
// the editor owns one; `MemoryStore` is the reference implementation.
type DocumentStore interface {
	Get(id RecordId) (Record, bool)
	// Put upserts all records as one batch with one change notification.
	Put(records []Record)
	// Remove deletes all ids as one batch. Missing ids are skipped.
	Remove(ids []RecordId)
	// Listen subscribes to change batches originating from `source`.
	// the returned function unsubscribes.
	Listen(callback StoreChangeFunction, source ChangeSource) func()
	GetSnapshot() *Snapshot
	// MergeRemoteChanges runs fn with mutations attributed to SourceRemote,
	// batched into a single notification. The attribution covers the merging
	// goroutine only; a write from another goroutine during the scope is a
	// user edit and notifies immediately. The remote attribution is released
	// on every exit path, including a panic in fn.
	MergeRemoteChanges(fn func())
}

type storeListener struct {
	callback StoreChangeFunction
	source   ChangeSource
}

// MemoryStore is an in-memory DocumentStore.
type MemoryStore struct {
	listeners *CallbackList[*storeListener]

	// one merge scope at a time
	mergeMutex sync.Mutex

	mutex        sync.Mutex
	records      map[RecordId]Record
	mergeDepth   int
	mergeOwner   uint64
	mergePending *ChangeSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listeners: NewCallbackList[*storeListener](),
		records:   map[RecordId]Record{},
	}
}

func (self *MemoryStore) Get(id RecordId) (Record, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	record, ok := self.records[id]
	return record, ok
}

func (self *MemoryStore) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.records)
}

func (self *MemoryStore) Put(records []Record) {
	if len(records) == 0 {
		return
	}

	self.mutex.Lock()
	changeSet := &ChangeSet{}
	for _, record := range records {
		if _, ok := self.records[record.Id]; ok {
			changeSet.Updated = append(changeSet.Updated, record)
		} else {
			changeSet.Added = append(changeSet.Added, record)
		}
		self.records[record.Id] = record
	}
	source, notify := self.collect(changeSet)
	self.mutex.Unlock()

	if notify {
		self.emit(changeSet, source)
	}
}

func (self *MemoryStore) Remove(ids []RecordId) {
	if len(ids) == 0 {
		return
	}

	self.mutex.Lock()
	changeSet := &ChangeSet{}
	for _, id := range ids {
		if _, ok := self.records[id]; ok {
			delete(self.records, id)
			changeSet.Removed = append(changeSet.Removed, id)
		}
	}
	if changeSet.IsEmpty() {
		self.mutex.Unlock()
		return
	}
	source, notify := self.collect(changeSet)
	self.mutex.Unlock()

	if notify {
		self.emit(changeSet, source)
	}
}

// collect queues the change into the active merge batch when the caller is
// the merging goroutine, otherwise marks it for immediate emission as a user
// edit. Callers hold the mutex.
func (self *MemoryStore) collect(changeSet *ChangeSet) (ChangeSource, bool) {
	if 0 < self.mergeDepth && self.mergeOwner == goroutineId() {
		self.mergePending.Merge(changeSet)
		return SourceRemote, false
	}
	return SourceUser, true
}

func (self *MemoryStore) GetSnapshot() *Snapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	snapshot := NewSnapshot()
	for id, record := range self.records {
		snapshot.Store[id] = record
	}
	return snapshot
}

func (self *MemoryStore) MergeRemoteChanges(fn func()) {
	owner := goroutineId()

	self.mutex.Lock()
	nested := 0 < self.mergeDepth && self.mergeOwner == owner
	self.mutex.Unlock()

	if nested {
		self.mutex.Lock()
		self.mergeDepth += 1
		self.mutex.Unlock()
	} else {
		self.mergeMutex.Lock()
		self.mutex.Lock()
		self.mergeOwner = owner
		self.mergeDepth = 1
		self.mergePending = &ChangeSet{}
		self.mutex.Unlock()
	}

	defer func() {
		self.mutex.Lock()
		self.mergeDepth -= 1
		last := self.mergeDepth == 0
		var pending *ChangeSet
		if last {
			pending = self.mergePending
			self.mergePending = nil
			self.mergeOwner = 0
		}
		self.mutex.Unlock()

		if last {
			self.mergeMutex.Unlock()
			if pending != nil && !pending.IsEmpty() {
				self.emit(pending, SourceRemote)
			}
		}
	}()

	fn()
}

func (self *MemoryStore) Listen(callback StoreChangeFunction, source ChangeSource) func() {
	return self.listeners.Add(&storeListener{
		callback: callback,
		source:   source,
	})
}

func (self *MemoryStore) emit(changeSet *ChangeSet, source ChangeSource) {
	for _, listener := range self.listeners.Get() {
		if listener.source != source {
			continue
		}
		callback := listener.callback
		safeCallback("store", func() {
			callback(changeSet, source)
		})
	}
}
