package boardsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func decodePresenceRecord(t *testing.T, store *MemoryStore, peer PeerId) *PresenceState {
	t.Helper()
	record, ok := store.Get(presenceRecordId(peer))
	if !ok {
		return nil
	}
	presence := &PresenceState{}
	err := json.Unmarshal(record.Payload, presence)
	assert.Equal(t, err, nil)
	return presence
}

func TestPresenceNullCursorFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	store := NewMemoryStore()
	engine := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engine.Disconnect()
	engine.Connect(store)

	peerX := NewId()
	peerY := NewId()

	// a known position arrives
	engine.presence.receive(&PresenceState{
		DisplayName: "alice",
		Color:       "#ff0000",
		Cursor:      &Point{X: 5, Y: 6},
	}, peerX)
	presence := decodePresenceRecord(t, store, peerX)
	assert.NotEqual(t, presence, nil)
	assert.Equal(t, *presence.Cursor, Point{X: 5, Y: 6})

	// a null cursor keeps the last known position instead of snapping
	engine.presence.receive(&PresenceState{
		DisplayName: "alice",
		Color:       "#ff0000",
		Cursor:      nil,
	}, peerX)
	presence = decodePresenceRecord(t, store, peerX)
	assert.Equal(t, *presence.Cursor, Point{X: 5, Y: 6})

	// with no prior position a null cursor defaults to the origin
	engine.presence.receive(&PresenceState{
		DisplayName: "bob",
		Cursor:      nil,
	}, peerY)
	presence = decodePresenceRecord(t, store, peerY)
	assert.Equal(t, *presence.Cursor, Point{X: 0, Y: 0})
}

func TestPresenceUpdateCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	store := NewMemoryStore()
	engine := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engine.Disconnect()
	engine.Connect(store)

	var received *PresenceState
	engine.OnPresenceUpdate(func(presence *PresenceState, fromPeer PeerId) {
		received = presence
	})

	peerX := NewId()
	engine.presence.receive(&PresenceState{
		DisplayName:   "alice",
		Color:         "#00ff00",
		Cursor:        &Point{X: 1, Y: 2},
		CurrentPageId: "page:1",
	}, peerX)

	assert.NotEqual(t, received, nil)
	assert.Equal(t, received.PeerId, peerX)
	assert.Equal(t, received.DisplayName, "alice")
	assert.Equal(t, received.CurrentPageId, RecordId("page:1"))
}

func TestPresenceBroadcastTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()

	storeA := NewMemoryStore()
	transportA := hub.NewTransport()
	engineA := NewSyncEngine(ctx, "r1", transportA, nil, testEngineSettings())
	defer engineA.Disconnect()
	engineA.Connect(storeA)

	storeB := NewMemoryStore()
	engineB := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engineB.Disconnect()
	engineB.Connect(storeB)

	engineA.BroadcastPresence(&PresenceState{
		DisplayName: "alice",
		Color:       "#0000ff",
		Cursor:      &Point{X: 3, Y: 4},
	})

	waitFor(t, 2*time.Second, func() bool {
		return decodePresenceRecord(t, storeB, transportA.PeerId()) != nil
	})
	presence := decodePresenceRecord(t, storeB, transportA.PeerId())
	assert.Equal(t, presence.PeerId, transportA.PeerId())
	assert.Equal(t, presence.DisplayName, "alice")
	assert.Equal(t, *presence.Cursor, Point{X: 3, Y: 4})
}

func TestPresenceGestureSkip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()

	storeA := NewMemoryStore()
	transportA := hub.NewTransport()
	engineA := NewSyncEngine(ctx, "r1", transportA, nil, testEngineSettings())
	defer engineA.Disconnect()
	engineA.Connect(storeA)

	storeB := NewMemoryStore()
	engineB := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engineB.Disconnect()
	engineB.Connect(storeB)

	// mid-gesture ticks are skipped, not queued
	engineA.SetGestureActive(true)
	engineA.BroadcastPresence(&PresenceState{
		DisplayName: "alice",
		Cursor:      &Point{X: 1, Y: 1},
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, decodePresenceRecord(t, storeB, transportA.PeerId()), nil)

	engineA.SetGestureActive(false)
	waitFor(t, 2*time.Second, func() bool {
		return decodePresenceRecord(t, storeB, transportA.PeerId()) != nil
	})
}

func TestPresenceExcludedFromBootstrap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()

	storeA := NewMemoryStore()
	engineA := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engineA.Disconnect()
	engineA.Connect(storeA)
	waitFor(t, 2*time.Second, engineA.HasBootstrapped)

	storeA.Put([]Record{{Id: "shape:1", TypeName: TypeShape}})
	engineA.presence.receive(&PresenceState{
		DisplayName: "ghost",
		Cursor:      &Point{X: 9, Y: 9},
	}, NewId())
	assert.Equal(t, storeA.Size(), 2)

	// a later joiner gets the document, never the presence entries
	storeC := NewMemoryStore()
	engineC := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engineC.Disconnect()
	engineC.Connect(storeC)
	waitFor(t, 2*time.Second, engineC.HasBootstrapped)

	assert.Equal(t, storeC.Size(), 1)
	_, ok := storeC.Get("shape:1")
	assert.Equal(t, ok, true)
}

func TestPresenceDoesNotBroadcastDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()

	spy := &spyTransport{Transport: hub.NewTransport()}
	store := NewMemoryStore()
	engine := NewSyncEngine(ctx, "r1", spy, nil, testEngineSettings())
	defer engine.Disconnect()
	engine.Connect(store)

	// inbound presence flows through the remote-apply path: no document
	// broadcast may result from the upsert
	engine.presence.receive(&PresenceState{
		DisplayName: "alice",
		Cursor:      &Point{X: 2, Y: 2},
	}, NewId())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, spy.sent(), 0)
}

func TestPresenceRemovedOnPeerLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()

	storeA := NewMemoryStore()
	engineA := NewSyncEngine(ctx, "r1", hub.NewTransport(), nil, testEngineSettings())
	defer engineA.Disconnect()
	engineA.Connect(storeA)

	transportB := hub.NewTransport()
	peerIdB := transportB.PeerId()

	engineA.presence.receive(&PresenceState{
		DisplayName: "bob",
		Cursor:      &Point{X: 1, Y: 1},
	}, peerIdB)
	assert.NotEqual(t, decodePresenceRecord(t, storeA, peerIdB), nil)

	transportB.Close()
	waitFor(t, 2*time.Second, func() bool {
		return decodePresenceRecord(t, storeA, peerIdB) == nil
	})
}
