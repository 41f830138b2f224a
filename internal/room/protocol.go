package room

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol tags. Direction is noted per tag; unknown tags and payloads
// failing per-tag validation are rejected at the boundary.
const (
	TagCrdtUpdate        = "crdt-update"        // client→actor and actor→client broadcast
	TagRequestMarkdown   = "request-markdown"   // actor→client
	TagCanonicalMarkdown = "canonical-markdown" // client→actor
	TagNeedsInit         = "needs-init"         // actor→client
	TagReloadRemote      = "reload-remote"      // actor→client
	TagRemoteChanged     = "remote-changed"     // actor→client
	TagConflict          = "conflict"           // actor→client
	TagSyncStatus        = "sync-status"        // actor→client
	TagErrorRetrying     = "error-retrying"     // actor→client
	TagPushLocal         = "push-local"         // client→actor, owner only
	TagDiscardLocal      = "discard-local"      // client→actor, owner only
	TagManualRetry       = "manual-retry"       // client→actor
)

var (
	// ErrUnknownTag indicates a message carried an unrecognized type tag.
	ErrUnknownTag = errors.New("room: unknown message tag")
	// ErrInvalidPayload indicates a message payload failed per-tag validation.
	ErrInvalidPayload = errors.New("room: invalid message payload")
)

// ClientMessage is the decoded form of a client→actor protocol message.
type ClientMessage interface {
	clientTag() string
}

// CrdtUpdateMessage carries a binary CRDT update fragment.
type CrdtUpdateMessage struct {
	Update []byte
}

// CanonicalMarkdownMessage answers a request-markdown with the flattened text.
type CanonicalMarkdownMessage struct {
	RequestID string
	Markdown  string
}

// PushLocalMessage asks for an unconditional overwrite of the remote store.
type PushLocalMessage struct{}

// DiscardLocalMessage asks to drop local edits and reseed from the remote store.
type DiscardLocalMessage struct{}

// ManualRetryMessage resumes automatic remote sync after retries were exhausted.
type ManualRetryMessage struct{}

func (CrdtUpdateMessage) clientTag() string        { return TagCrdtUpdate }
func (CanonicalMarkdownMessage) clientTag() string { return TagCanonicalMarkdown }
func (PushLocalMessage) clientTag() string         { return TagPushLocal }
func (DiscardLocalMessage) clientTag() string      { return TagDiscardLocal }
func (ManualRetryMessage) clientTag() string       { return TagManualRetry }

type envelope struct {
	Type string `json:"type"`
}

type crdtUpdateWire struct {
	Type      string `json:"type"`
	UpdateB64 string `json:"updateB64"`
}

type canonicalMarkdownWire struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Markdown  string `json:"markdown"`
}

type requestMarkdownWire struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type needsInitWire struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

type reloadRemoteWire struct {
	Type     string `json:"type"`
	Markdown string `json:"markdown"`
}

type remoteChangedWire struct {
	Type           string `json:"type"`
	RemoteMarkdown string `json:"remoteMarkdown"`
}

type conflictWire struct {
	Type           string `json:"type"`
	LocalMarkdown  string `json:"localMarkdown"`
	RemoteMarkdown string `json:"remoteMarkdown"`
}

type syncStatusWire struct {
	Type         string `json:"type"`
	State        string `json:"state"`
	Detail       string `json:"detail,omitempty"`
	PendingSince *int64 `json:"pendingSince,omitempty"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
}

type errorRetryingWire struct {
	Type        string `json:"type"`
	Attempt     int    `json:"attempt"`
	NextRetryAt int64  `json:"nextRetryAt"`
}

// DecodeClientMessage validates and decodes a client→actor message.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var head envelope
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch head.Type {
	case TagCrdtUpdate:
		var wire crdtUpdateWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		trimmed := strings.TrimSpace(wire.UpdateB64)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty update", ErrInvalidPayload)
		}
		update, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 update", ErrInvalidPayload)
		}
		return CrdtUpdateMessage{Update: update}, nil

	case TagCanonicalMarkdown:
		var wire canonicalMarkdownWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if strings.TrimSpace(wire.RequestID) == "" {
			return nil, fmt.Errorf("%w: empty request id", ErrInvalidPayload)
		}
		return CanonicalMarkdownMessage{RequestID: wire.RequestID, Markdown: wire.Markdown}, nil

	case TagPushLocal:
		return PushLocalMessage{}, nil
	case TagDiscardLocal:
		return DiscardLocalMessage{}, nil
	case TagManualRetry:
		return ManualRetryMessage{}, nil

	case TagRequestMarkdown, TagNeedsInit, TagReloadRemote, TagRemoteChanged,
		TagConflict, TagSyncStatus, TagErrorRetrying:
		return nil, fmt.Errorf("%w: %s is not a client message", ErrInvalidPayload, head.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, head.Type)
	}
}

// EncodeCrdtUpdate encodes a CRDT fragment broadcast.
func EncodeCrdtUpdate(update []byte) []byte {
	return mustEncode(crdtUpdateWire{Type: TagCrdtUpdate, UpdateB64: base64.StdEncoding.EncodeToString(update)})
}

// EncodeRequestMarkdown encodes a canonical-text extraction request.
func EncodeRequestMarkdown(requestID string) []byte {
	return mustEncode(requestMarkdownWire{Type: TagRequestMarkdown, RequestID: requestID})
}

// EncodeNeedsInit encodes the seed-content request sent to one connection.
func EncodeNeedsInit(docID string) []byte {
	return mustEncode(needsInitWire{Type: TagNeedsInit, DocID: docID})
}

// EncodeReloadRemote encodes the full-reload instruction after discard-local.
func EncodeReloadRemote(markdown string) []byte {
	return mustEncode(reloadRemoteWire{Type: TagReloadRemote, Markdown: markdown})
}

// EncodeRemoteChanged encodes a remote-content-changed notification.
func EncodeRemoteChanged(remoteMarkdown string) []byte {
	return mustEncode(remoteChangedWire{Type: TagRemoteChanged, RemoteMarkdown: remoteMarkdown})
}

// EncodeConflict encodes a conflict notification carrying both texts.
func EncodeConflict(localMarkdown string, remoteMarkdown string) []byte {
	return mustEncode(conflictWire{Type: TagConflict, LocalMarkdown: localMarkdown, RemoteMarkdown: remoteMarkdown})
}

// EncodeSyncStatus encodes a sync state broadcast.
func EncodeSyncStatus(state string, detail string, pendingSince *time.Time, expiresAt *time.Time) []byte {
	wire := syncStatusWire{Type: TagSyncStatus, State: state, Detail: detail}
	if pendingSince != nil {
		seconds := pendingSince.UTC().Unix()
		wire.PendingSince = &seconds
	}
	if expiresAt != nil {
		seconds := expiresAt.UTC().Unix()
		wire.ExpiresAt = &seconds
	}
	return mustEncode(wire)
}

// EncodeErrorRetrying encodes a retry attempt broadcast.
func EncodeErrorRetrying(attempt int, nextRetryAt time.Time) []byte {
	return mustEncode(errorRetryingWire{Type: TagErrorRetrying, Attempt: attempt, NextRetryAt: nextRetryAt.UTC().Unix()})
}

func mustEncode(wire interface{}) []byte {
	encoded, err := json.Marshal(wire)
	if err != nil {
		// Wire structs contain only marshallable fields.
		panic(err)
	}
	return encoded
}
