package boardsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// RoomStore is the durable backing store of the relay variant.
// One row per room. Saves are unconditional overwrites; there is no
// optimistic concurrency control, and a late write from one peer can clobber
// a slightly newer one from another.
type RoomStore interface {
	// LoadSnapshot returns nil with no error when the room has no row yet.
	LoadSnapshot(ctx context.Context, roomId string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, roomId string, snapshot *Snapshot) error
}

type PersistenceSettings struct {
	// quiet period after the last local edit before a save fires
	SaveDebounce time.Duration
	SaveTimeout  time.Duration
}

func DefaultPersistenceSettings() *PersistenceSettings {
	return &PersistenceSettings{
		SaveDebounce: 1 * time.Second,
		SaveTimeout:  10 * time.Second,
	}
}

// PersistenceGateway coalesces bursts of local edits into one durable save
// per quiet period. Save failures are logged and retried naturally by the
// next debounce cycle.
type PersistenceGateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId    string
	roomStore RoomStore
	settings  *PersistenceSettings

	mutex      sync.Mutex
	snapshotFn func() *Snapshot
	timer      *time.Timer
	closed     bool
}

func NewPersistenceGateway(
	ctx context.Context,
	roomId string,
	roomStore RoomStore,
	settings *PersistenceSettings,
) *PersistenceGateway {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PersistenceGateway{
		ctx:       cancelCtx,
		cancel:    cancel,
		roomId:    roomId,
		roomStore: roomStore,
		settings:  settings,
	}
}

func NewPersistenceGatewayWithDefaults(ctx context.Context, roomId string, roomStore RoomStore) *PersistenceGateway {
	return NewPersistenceGateway(ctx, roomId, roomStore, DefaultPersistenceSettings())
}

// SetSnapshotSource supplies the state read at save time. The engine wires
// this on connect.
func (self *PersistenceGateway) SetSnapshotSource(snapshotFn func() *Snapshot) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.snapshotFn = snapshotFn
}

// ScheduleSave restarts the quiet-period timer. Any number of calls within
// the window collapse into a single save.
func (self *PersistenceGateway) ScheduleSave() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.settings.SaveDebounce, self.save)
}

func (self *PersistenceGateway) save() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	snapshotFn := self.snapshotFn
	self.mutex.Unlock()

	if snapshotFn == nil {
		return
	}
	snapshot := snapshotFn()
	if snapshot == nil {
		return
	}

	saveCtx, saveCancel := context.WithTimeout(self.ctx, self.settings.SaveTimeout)
	defer saveCancel()
	if err := self.roomStore.SaveSnapshot(saveCtx, self.roomId, snapshot); err != nil {
		// non fatal. the next debounce cycle retries.
		glog.Infof("[save]room=%s error = %s\n", self.roomId, err)
		return
	}
	glog.V(1).Infof("[save]room=%s records=%d\n", self.roomId, len(snapshot.Store))
}

func (self *PersistenceGateway) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	self.closed = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.cancel()
}
