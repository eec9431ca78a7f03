// Package platform defines the messaging-platform client contract consumed by
// the supervisor, ingress router and delivery queue. The real Telegram
// implementation lives in platform/telegram; tests use platformtest.
package platform

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

// EventKind classifies an inbound update.
type EventKind string

const (
	EventNew    EventKind = "new"
	EventEdit   EventKind = "edit"
	EventDelete EventKind = "delete"
)

// Snapshot is the opaque message payload carried through the queue. It is
// produced by the platform adapter and serialized into QueueItem.Payload;
// filters read Text, MediaKind and ImageDHash, nothing else interprets it.
type Snapshot struct {
	Kind       EventKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	MediaKind  string    `json:"media_kind,omitempty"` // "", "photo", "video", "document", "audio", "sticker"
	ImageDHash uint64    `json:"image_dhash,omitempty"`
	GroupedID  int64     `json:"grouped_id,omitempty"`
}

// HasMedia reports whether the snapshot carries a media attachment.
func (s Snapshot) HasMedia() bool { return s.MediaKind != "" }

// Encode serializes the snapshot for queue storage.
func (s Snapshot) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

// DecodeSnapshot parses a queue payload back into a snapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(b, &s)
	return s, err
}

// Update is one inbound event observed on a session.
type Update struct {
	SessionID string
	Kind      EventKind
	SourceRef string
	MessageID int
	Payload   Snapshot
}

// Dialog is one channel or group visible to a session.
type Dialog struct {
	Ref   string `json:"ref"`
	Title string `json:"title"`
	Kind  string `json:"kind"` // "channel", "group", "user"
}

// Client is the platform client pool. One logical connection per opened
// session; all operations carry the caller's deadline.
type Client interface {
	// Open dials the platform and resumes the session's authenticated
	// connection. Inbound updates flow on the channel returned by Updates.
	Open(ctx context.Context, sess *store.Session) error
	// Updates returns the session's bounded inbound event channel. The
	// channel is closed when the session is closed.
	Updates(sessionID string) <-chan Update

	// SendOTP asks the platform to dispatch a one-time code to the phone.
	// The returned hash must be passed back to VerifyOTP.
	SendOTP(ctx context.Context, phone string) (codeHash string, err error)
	// VerifyOTP finalizes authentication, returning the new credential blob
	// and the account display name. The caller persists both.
	VerifyOTP(ctx context.Context, phone, code, codeHash string) (blob []byte, displayName string, err error)

	ListDialogs(ctx context.Context, sessionID string) ([]Dialog, error)

	// Forward reposts the source message preserving attribution and returns
	// the destination message id.
	Forward(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, silent bool) (int, error)
	// Copy posts the snapshot as a fresh message, attribution stripped.
	Copy(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, snap Snapshot, silent bool) (int, error)
	// Edit updates a previously delivered destination message in place.
	Edit(ctx context.Context, sessionID, destRef string, destMsgID int, snap Snapshot) error
	// Delete removes previously delivered destination messages.
	Delete(ctx context.Context, sessionID, destRef string, destMsgIDs []int) error

	HealthPing(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error
}

// IngressBuffer is the per-session update buffer capacity. When full, the
// oldest buffered update is dropped and an ingress_overflow activity entry
// recorded.
const IngressBuffer = 256

// DefaultSendTimeout bounds a single outbound platform call.
const DefaultSendTimeout = 30 * time.Second
