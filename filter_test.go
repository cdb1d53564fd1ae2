package boardsync

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestSyncableTypes(t *testing.T) {
	assert.Equal(t, SyncableType(TypeShape), true)
	assert.Equal(t, SyncableType(TypePage), true)
	assert.Equal(t, SyncableType(TypeAsset), true)
	assert.Equal(t, SyncableType(TypeCamera), false)
	assert.Equal(t, SyncableType(TypePresence), false)
	assert.Equal(t, SyncableType(""), false)

	assert.Equal(t, Syncable(Record{Id: "shape:1", TypeName: TypeShape}), true)
	assert.Equal(t, Syncable(Record{Id: "camera:1", TypeName: TypeCamera}), false)
}

func TestSyncableId(t *testing.T) {
	// removals only carry an id. syncability comes from the type prefix.
	assert.Equal(t, SyncableId(RecordId("shape:abc")), true)
	assert.Equal(t, SyncableId(RecordId("page:abc")), true)
	assert.Equal(t, SyncableId(RecordId("asset:abc")), true)
	assert.Equal(t, SyncableId(RecordId("camera:abc")), false)
	assert.Equal(t, SyncableId(RecordId("presence:abc")), false)
	assert.Equal(t, SyncableId(RecordId("noprefix")), false)
	assert.Equal(t, SyncableId(RecordId("")), false)
}

func TestRecordId(t *testing.T) {
	id := NewRecordId(TypeShape)
	assert.Equal(t, id.TypeName(), TypeShape)
	assert.Equal(t, id.IsValid(), true)

	assert.Equal(t, RecordIdOf(TypePage, "p1"), RecordId("page:p1"))
	assert.Equal(t, RecordId("noprefix").TypeName(), "")
	assert.Equal(t, RecordId(":x").IsValid(), false)
	assert.Equal(t, RecordId("shape:").IsValid(), false)
}

func TestFilterChangeSet(t *testing.T) {
	changeSet := &ChangeSet{
		Added: []Record{
			{Id: "shape:1", TypeName: TypeShape},
			{Id: "camera:1", TypeName: TypeCamera},
		},
		Updated: []Record{
			{Id: "page:1", TypeName: TypePage},
			{Id: "presence:1", TypeName: TypePresence},
		},
		Removed: []RecordId{"asset:1", "camera:2"},
	}

	filtered := FilterChangeSet(changeSet)
	assert.Equal(t, len(filtered.Added), 1)
	assert.Equal(t, filtered.Added[0].Id, RecordId("shape:1"))
	assert.Equal(t, len(filtered.Updated), 1)
	assert.Equal(t, filtered.Updated[0].Id, RecordId("page:1"))
	assert.Equal(t, filtered.Removed, []RecordId{"asset:1"})

	// the input is untouched
	assert.Equal(t, len(changeSet.Added), 2)
	assert.Equal(t, len(changeSet.Updated), 2)
	assert.Equal(t, len(changeSet.Removed), 2)
}

func TestFilterChangeSetEmpty(t *testing.T) {
	changeSet := &ChangeSet{
		Added:   []Record{{Id: "camera:1", TypeName: TypeCamera}},
		Removed: []RecordId{"presence:1"},
	}
	filtered := FilterChangeSet(changeSet)
	assert.Equal(t, filtered.IsEmpty(), true)
}

func TestFilterSnapshot(t *testing.T) {
	snapshot := NewSnapshot()
	snapshot.Store["shape:1"] = Record{Id: "shape:1", TypeName: TypeShape}
	snapshot.Store["page:1"] = Record{Id: "page:1", TypeName: TypePage}
	snapshot.Store["camera:1"] = Record{Id: "camera:1", TypeName: TypeCamera}
	snapshot.Store["presence:1"] = Record{Id: "presence:1", TypeName: TypePresence}

	filtered := FilterSnapshot(snapshot)
	assert.Equal(t, len(filtered.Store), 2)
	_, hasShape := filtered.Store["shape:1"]
	_, hasPage := filtered.Store["page:1"]
	_, hasCamera := filtered.Store["camera:1"]
	_, hasPresence := filtered.Store["presence:1"]
	assert.Equal(t, hasShape, true)
	assert.Equal(t, hasPage, true)
	assert.Equal(t, hasCamera, false)
	assert.Equal(t, hasPresence, false)
	assert.Equal(t, filtered.SchemaVersion, CurrentSchemaVersion)

	assert.Equal(t, len(FilterSnapshot(nil).Store), 0)
}

// the identical predicate runs on both directions, so filtering an already
// filtered payload changes nothing
func TestFilterSymmetry(t *testing.T) {
	changeSet := &ChangeSet{
		Added:   []Record{{Id: "shape:1", TypeName: TypeShape}, {Id: "camera:1", TypeName: TypeCamera}},
		Removed: []RecordId{"page:1", "presence:1"},
	}
	once := FilterChangeSet(changeSet)
	twice := FilterChangeSet(once)
	assert.Equal(t, once, twice)
}
