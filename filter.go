package boardsync

const (
	TypeShape = "shape"
	TypePage  = "page"
	TypeAsset = "asset"

	// local-only types. presence additionally crosses the wire on its own
	// message, never inside a Snapshot or ChangeSet.
	TypeCamera   = "camera"
	TypePresence = "presence"
)

// the fixed set of record types permitted to cross the wire.
// applied symmetrically to outbound and inbound data.
var SyncableTypes = map[string]bool{
	TypeShape: true,
	TypePage:  true,
	TypeAsset: true,
}

func SyncableType(typeName string) bool {
	return SyncableTypes[typeName]
}

func Syncable(record Record) bool {
	return SyncableTypes[record.TypeName]
}

// SyncableId tests a removal, where only the id's type prefix is available.
func SyncableId(id RecordId) bool {
	return SyncableTypes[id.TypeName()]
}

// FilterChangeSet returns a new change set holding only syncable entries.
// the input is not modified.
func FilterChangeSet(changeSet *ChangeSet) *ChangeSet {
	filtered := &ChangeSet{}
	for _, record := range changeSet.Added {
		if Syncable(record) {
			filtered.Added = append(filtered.Added, record)
		}
	}
	for _, record := range changeSet.Updated {
		if Syncable(record) {
			filtered.Updated = append(filtered.Updated, record)
		}
	}
	for _, id := range changeSet.Removed {
		if SyncableId(id) {
			filtered.Removed = append(filtered.Removed, id)
		}
	}
	return filtered
}

// FilterSnapshot returns a new snapshot holding only syncable records.
func FilterSnapshot(snapshot *Snapshot) *Snapshot {
	filtered := NewSnapshot()
	if snapshot == nil {
		return filtered
	}
	if snapshot.SchemaVersion != 0 {
		filtered.SchemaVersion = snapshot.SchemaVersion
	}
	for id, record := range snapshot.Store {
		if Syncable(record) {
			filtered.Store[id] = record
		}
	}
	return filtered
}
