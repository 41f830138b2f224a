package room

import (
	"context"
	"crypto/subtle"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/capability"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

// Initialize creates the room's metadata and marks it usable. ownerUserID
// may be empty for anonymous rooms; editTokenHash is the recorded digest of
// the room's edit bearer token.
func (actor *Actor) Initialize(ctx context.Context, ownerUserID string, editTokenHash string) error {
	var initErr error
	err := actor.call(ctx, func() {
		if actor.hasMeta && actor.meta.Initialized {
			initErr = ErrRoomAlreadyInitialized
			return
		}
		now := actor.clock().UTC()
		actor.meta = storage.RoomMeta{
			DocID:          actor.docID,
			OwnerUserID:    ownerUserID,
			EditTokenHash:  editTokenHash,
			CreatedAt:      now,
			LastActivityAt: now,
			Initialized:    true,
		}
		actor.hasMeta = true
		actor.persistMeta(opInitialize)
		if actor.meta.Anonymous() && len(actor.conns) == 0 {
			actor.armReaper()
		}
	})
	if err != nil {
		return err
	}
	return initErr
}

// Meta returns a copy of the room's metadata.
func (actor *Actor) Meta(ctx context.Context) (storage.RoomMeta, error) {
	var meta storage.RoomMeta
	var metaErr error
	err := actor.call(ctx, func() {
		if !actor.hasMeta {
			metaErr = ErrRoomNotInitialized
			return
		}
		meta = actor.meta
		if actor.meta.RemoteLink != nil {
			link := *actor.meta.RemoteLink
			meta.RemoteLink = &link
		}
	})
	if err != nil {
		return storage.RoomMeta{}, err
	}
	return meta, metaErr
}

// VerifyToken reports whether a presented token hash matches the recorded one.
func (actor *Actor) VerifyToken(ctx context.Context, tokenHash string) (bool, error) {
	var valid bool
	var verifyErr error
	err := actor.call(ctx, func() {
		if !actor.hasMeta {
			verifyErr = ErrRoomNotInitialized
			return
		}
		valid = subtle.ConstantTimeCompare([]byte(tokenHash), []byte(actor.meta.EditTokenHash)) == 1
	})
	if err != nil {
		return false, err
	}
	return valid, verifyErr
}

// UpdateToken rotates the recorded edit token hash.
func (actor *Actor) UpdateToken(ctx context.Context, editTokenHash string) error {
	var updateErr error
	err := actor.call(ctx, func() {
		if !actor.hasMeta {
			updateErr = ErrRoomNotInitialized
			return
		}
		actor.meta.EditTokenHash = editTokenHash
		actor.persistMeta(opUpdateMeta)
	})
	if err != nil {
		return err
	}
	return updateErr
}

// UpdateRemoteLink attaches, replaces or removes the room's remote link.
// The sync engine restarts from its initial state because the stored version
// tag no longer applies to the new target.
func (actor *Actor) UpdateRemoteLink(ctx context.Context, link *storage.RemoteLink) error {
	var updateErr error
	err := actor.call(ctx, func() {
		if !actor.hasMeta {
			updateErr = ErrRoomNotInitialized
			return
		}
		if link != nil {
			copied := *link
			actor.meta.RemoteLink = &copied
		} else {
			actor.meta.RemoteLink = nil
		}
		actor.persistMeta(opUpdateMeta)
		actor.engine.Reset()
	})
	if err != nil {
		return err
	}
	return updateErr
}

// RawText returns the last persisted canonical text, empty when none exists.
func (actor *Actor) RawText(ctx context.Context) (string, error) {
	var text string
	var loadErr error
	err := actor.call(ctx, func() {
		if !actor.hasMeta {
			loadErr = ErrRoomNotInitialized
			return
		}
		content, found, readErr := actor.store.LoadCanonicalText(context.Background(), actor.docID)
		if readErr != nil {
			loadErr = readErr
			return
		}
		if found {
			text = content
		}
	})
	if err != nil {
		return "", err
	}
	return text, loadErr
}

// Claim exchanges a raw edit token for a signed edit-capability cookie.
func (actor *Actor) Claim(ctx context.Context, rawToken string) (capability.Grant, error) {
	var grant capability.Grant
	var claimErr error
	err := actor.call(ctx, func() {
		if !actor.hasMeta || !actor.meta.Initialized {
			claimErr = ErrRoomNotInitialized
			return
		}
		grant, claimErr = actor.verifier.Claim(actor.docID, rawToken, actor.meta.EditTokenHash)
	})
	if err != nil {
		return capability.Grant{}, err
	}
	return grant, claimErr
}
