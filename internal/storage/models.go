package storage

// RoomMetaEntry stores one key/value pair of a room's metadata.
type RoomMetaEntry struct {
	DocID string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Key   string `gorm:"column:key;primaryKey;size:64;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMetaEntry) TableName() string {
	return "room_meta"
}

// SnapshotRecord stores the single binary CRDT snapshot kept per room.
type SnapshotRecord struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Data             []byte `gorm:"column:data;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "room_snapshots"
}

// CanonicalTextRecord stores the last flattened markdown extraction per room.
type CanonicalTextRecord struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CanonicalTextRecord) TableName() string {
	return "room_canonical_texts"
}
