// This package defines the typed message variants carried inside protocol
// envelopes, together with their canonical bencode encoding. The set of
// variants is closed: everything a swarm or community server can deliver
// decodes to exactly one of the types below, and handlers dispatch over the
// concrete type.
package protocol

import "github.com/Oligofornet/session-android/ids"

// Sentinel thread id for messages which could not be mapped to a conversation.
const NoThread int64 = -1

// Sentinel for an absent community server message id.
const NoServerMessageID int64 = -1

// Meta carries the per-delivery state shared by every message variant. It is
// populated from the envelope and delivery context during receive and is not
// part of the authored content.
type Meta struct {
	Sender            ids.AccountID
	SentTimestamp     uint64
	ReceivedTimestamp uint64
	ServerHash        string
	// Public key of the legacy closed group this message was polled from,
	// empty otherwise.
	GroupPublicKey           string
	OpenGroupServerMessageID int64
	ThreadID                 int64
	IsSenderSelf             bool
	HasMention               bool
}

type Message interface {
	Meta() *Meta
	wireKind() uint8
}

// The sync target takes precedence over the sender when resolving the
// conversation a self-synced message belongs to.
func SenderOrSync(m Message) ids.AccountID {
	switch v := m.(type) {
	case *VisibleMessage:
		if v.SyncTarget != "" {
			return v.SyncTarget
		}
	case *ExpirationTimerUpdate:
		if v.SyncTarget != "" {
			return v.SyncTarget
		}
	}
	return m.Meta().Sender
}

type KeyPair struct {
	PublicKey  []byte `bencode:"p"`
	PrivateKey []byte `bencode:"k"`
}

type Profile struct {
	DisplayName       string `bencode:"n"`
	ProfileKey        []byte `bencode:"k"`
	ProfilePictureURL string `bencode:"u"`
}
