package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadMeta          = "storage.load_meta"
	opSaveMeta          = "storage.save_meta"
	opSaveSnapshot      = "storage.save_snapshot"
	opLoadSnapshot      = "storage.load_snapshot"
	opSaveCanonicalText = "storage.save_canonical_text"
	opLoadCanonicalText = "storage.load_canonical_text"
	opDestroyRoom       = "storage.destroy_room"

	fieldDocID = "doc_id"

	metaKeyOwnerUserID    = "owner_user_id"
	metaKeyEditTokenHash  = "edit_token_hash"
	metaKeyRemoteLink     = "remote_link"
	metaKeyCreatedAt      = "created_at_s"
	metaKeyLastActivityAt = "last_activity_at_s"
	metaKeyInitialized    = "initialized"

	queryDocID = "doc_id = ?"
)

var (
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("storage: database handle required")
	// ErrMissingDocID indicates an operation was invoked without a document id.
	ErrMissingDocID = errors.New("storage: doc id required")
	// ErrCorruptMeta indicates persisted room metadata could not be decoded.
	ErrCorruptMeta = errors.New("storage: corrupt room metadata")
)

// RemoteLink identifies the remote single-file store a room synchronizes to.
type RemoteLink struct {
	RemoteID string `json:"remote_id"`
	FileName string `json:"file_name"`
	ETag     string `json:"etag,omitempty"`
}

// RoomMeta captures the persisted metadata of one room.
type RoomMeta struct {
	DocID          string
	OwnerUserID    string
	EditTokenHash  string
	RemoteLink     *RemoteLink
	CreatedAt      time.Time
	LastActivityAt time.Time
	Initialized    bool
}

// Anonymous reports whether the room has no owning user account.
func (meta RoomMeta) Anonymous() bool {
	return meta.OwnerUserID == ""
}

// StoreConfig bundles the dependencies required to construct a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Store persists room metadata, snapshots and canonical text.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, logger: logger, clock: clock}, nil
}

// LoadMeta returns the persisted metadata for a room, reporting absence without error.
func (store *Store) LoadMeta(ctx context.Context, docID string) (RoomMeta, bool, error) {
	if docID == "" {
		return RoomMeta{}, false, ErrMissingDocID
	}

	var entries []RoomMetaEntry
	if err := store.db.WithContext(ctx).Where(queryDocID, docID).Find(&entries).Error; err != nil {
		store.logError(opLoadMeta, docID, err)
		return RoomMeta{}, false, err
	}
	if len(entries) == 0 {
		return RoomMeta{}, false, nil
	}

	meta, err := decodeMetaEntries(docID, entries)
	if err != nil {
		store.logError(opLoadMeta, docID, err)
		return RoomMeta{}, false, err
	}
	return meta, true, nil
}

// SaveMeta replaces the persisted metadata for a room.
func (store *Store) SaveMeta(ctx context.Context, meta RoomMeta) error {
	if meta.DocID == "" {
		return ErrMissingDocID
	}

	entries, err := encodeMetaEntries(meta)
	if err != nil {
		store.logError(opSaveMeta, meta.DocID, err)
		return err
	}

	transactionErr := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryDocID, meta.DocID).Delete(&RoomMetaEntry{}).Error; err != nil {
			return err
		}
		return transaction.Create(&entries).Error
	})
	if transactionErr != nil {
		store.logError(opSaveMeta, meta.DocID, transactionErr)
	}
	return transactionErr
}

// SaveSnapshot upserts the single snapshot row kept for a room.
func (store *Store) SaveSnapshot(ctx context.Context, docID string, data []byte) error {
	if docID == "" {
		return ErrMissingDocID
	}
	record := SnapshotRecord{
		DocID:            docID,
		Data:             data,
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: fieldDocID}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		store.logError(opSaveSnapshot, docID, err)
	}
	return err
}

// LoadSnapshot returns the persisted snapshot for a room, reporting absence without error.
func (store *Store) LoadSnapshot(ctx context.Context, docID string) ([]byte, bool, error) {
	if docID == "" {
		return nil, false, ErrMissingDocID
	}
	var record SnapshotRecord
	err := store.db.WithContext(ctx).Where(queryDocID, docID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		store.logError(opLoadSnapshot, docID, err)
		return nil, false, err
	}
	return record.Data, true, nil
}

// SaveCanonicalText upserts the single canonical text row kept for a room.
func (store *Store) SaveCanonicalText(ctx context.Context, docID string, content string) error {
	if docID == "" {
		return ErrMissingDocID
	}
	record := CanonicalTextRecord{
		DocID:            docID,
		Content:          content,
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: fieldDocID}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		store.logError(opSaveCanonicalText, docID, err)
	}
	return err
}

// LoadCanonicalText returns the persisted canonical text, reporting absence without error.
func (store *Store) LoadCanonicalText(ctx context.Context, docID string) (string, bool, error) {
	if docID == "" {
		return "", false, ErrMissingDocID
	}
	var record CanonicalTextRecord
	err := store.db.WithContext(ctx).Where(queryDocID, docID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		store.logError(opLoadCanonicalText, docID, err)
		return "", false, err
	}
	return record.Content, true, nil
}

// DestroyRoom removes metadata, snapshot and canonical text for a room together.
func (store *Store) DestroyRoom(ctx context.Context, docID string) error {
	if docID == "" {
		return ErrMissingDocID
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryDocID, docID).Delete(&RoomMetaEntry{}).Error; err != nil {
			return err
		}
		if err := transaction.Where(queryDocID, docID).Delete(&SnapshotRecord{}).Error; err != nil {
			return err
		}
		return transaction.Where(queryDocID, docID).Delete(&CanonicalTextRecord{}).Error
	})
	if err != nil {
		store.logError(opDestroyRoom, docID, err)
	}
	return err
}

func (store *Store) logError(operation string, docID string, err error) {
	store.logger.Error("storage operation failed",
		zap.String("operation", operation),
		zap.String(fieldDocID, docID),
		zap.Error(err))
}

func encodeMetaEntries(meta RoomMeta) ([]RoomMetaEntry, error) {
	entries := []RoomMetaEntry{
		{DocID: meta.DocID, Key: metaKeyOwnerUserID, Value: meta.OwnerUserID},
		{DocID: meta.DocID, Key: metaKeyEditTokenHash, Value: meta.EditTokenHash},
		{DocID: meta.DocID, Key: metaKeyCreatedAt, Value: strconv.FormatInt(meta.CreatedAt.UTC().Unix(), 10)},
		{DocID: meta.DocID, Key: metaKeyLastActivityAt, Value: strconv.FormatInt(meta.LastActivityAt.UTC().Unix(), 10)},
		{DocID: meta.DocID, Key: metaKeyInitialized, Value: strconv.FormatBool(meta.Initialized)},
	}
	if meta.RemoteLink != nil {
		encoded, err := json.Marshal(meta.RemoteLink)
		if err != nil {
			return nil, err
		}
		entries = append(entries, RoomMetaEntry{DocID: meta.DocID, Key: metaKeyRemoteLink, Value: string(encoded)})
	}
	return entries, nil
}

func decodeMetaEntries(docID string, entries []RoomMetaEntry) (RoomMeta, error) {
	meta := RoomMeta{DocID: docID}
	for _, entry := range entries {
		switch entry.Key {
		case metaKeyOwnerUserID:
			meta.OwnerUserID = entry.Value
		case metaKeyEditTokenHash:
			meta.EditTokenHash = entry.Value
		case metaKeyRemoteLink:
			link := &RemoteLink{}
			if err := json.Unmarshal([]byte(entry.Value), link); err != nil {
				return RoomMeta{}, fmt.Errorf("%w: %s", ErrCorruptMeta, entry.Key)
			}
			meta.RemoteLink = link
		case metaKeyCreatedAt:
			seconds, err := strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return RoomMeta{}, fmt.Errorf("%w: %s", ErrCorruptMeta, entry.Key)
			}
			meta.CreatedAt = time.Unix(seconds, 0).UTC()
		case metaKeyLastActivityAt:
			seconds, err := strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return RoomMeta{}, fmt.Errorf("%w: %s", ErrCorruptMeta, entry.Key)
			}
			meta.LastActivityAt = time.Unix(seconds, 0).UTC()
		case metaKeyInitialized:
			value, err := strconv.ParseBool(entry.Value)
			if err != nil {
				return RoomMeta{}, fmt.Errorf("%w: %s", ErrCorruptMeta, entry.Key)
			}
			meta.Initialized = value
		}
	}
	return meta, nil
}
