package storage

import (
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
)

// IncomingMessage is the flattened record a visible message persists as.
type IncomingMessage struct {
	ThreadID        int64
	Sender          ids.AccountID
	Type            MessageType
	Body            string
	SentAtMs        uint64
	ReceivedAtMs    uint64
	ServerHash      string
	ServerMessageID int64
	Attachments     []protocol.Attachment
	QuoteTimestamp  uint64
	QuoteAuthor     ids.AccountID
	// Set when the quoted original could not be found locally; the row keeps
	// the quote text the sender supplied.
	QuoteMissing bool
	QuoteText    string
	PreviewURL   string
	PreviewTitle string
	HasMention   bool
	ExpiresIn    uint32
	ExpiryType   protocol.ExpiryType
}

// UserProfile is the user's own display profile, restored from a
// configuration sync.
type UserProfile struct {
	Name       string
	PictureURL string
	Key        []byte
}

type IdentityStore interface {
	UserPublicKey() ids.AccountID
	UserX25519PrivateKey() []byte
	UserEd25519SecretKey() []byte
	UserProfile() (*UserProfile, error)
	SetUserProfile(p *UserProfile) error
	// Blinded ids the user is known by on the given community server.
	BlindedIDs(serverPublicKey string) ([]ids.AccountID, error)
}

// ConfigStore is the read side of the synced config replica. The receive
// pipeline consults it to drop messages for conversations the user has
// removed on another device.
type ConfigStore interface {
	ConversationVisibleInConfig(addr Address) (bool, error)
	CanPerformConfigChange(kind ConfigKind, timestampMs uint64) (bool, error)
	// LastConfigTimestamp returns when a synced config of the kind was last
	// applied, or zero if none has been.
	LastConfigTimestamp(kind ConfigKind) (uint64, error)
	ConfigurationSynced() (bool, error)
	SetConfigurationSynced(synced bool) error
}

type ThreadStore interface {
	// ThreadID returns protocol.NoThread when no thread exists for the
	// address.
	ThreadID(addr Address) (int64, error)
	GetOrCreateThread(addr Address) (int64, error)
	ThreadAddress(threadID int64) (Address, error)
	DeleteThread(threadID int64) error
	LastSeen(threadID int64) (uint64, error)
	SetLastSeen(threadID int64, timestampMs uint64) error
}

type MessageStore interface {
	// MessageExists reports whether a message with the sender and sent
	// timestamp is already persisted. Used for duplicate suppression.
	MessageExists(sender ids.AccountID, sentAtMs uint64) (bool, error)
	PersistMessage(rec *IncomingMessage) (MessageID, error)
	// MessageByTimestamp locates a message by its sent timestamp and author.
	MessageByTimestamp(sentAtMs uint64, author ids.AccountID) (MessageID, int64, bool, error)
	DeleteMessage(id MessageID) error
	// MarkMessageDeleted replaces the message content with a deletion
	// placeholder but keeps the row.
	MarkMessageDeleted(id MessageID) error
	DeleteMessagesByServerHashes(threadID int64, hashes []string) error
	DeleteMessagesFrom(threadID int64, sender ids.AccountID) error
	ClearMessages(threadID int64) error
	InsertInfoMessage(threadID int64, typ InfoMessageType, sender ids.AccountID, body string, timestampMs uint64) error
}

type ReactionStore interface {
	ReactionsForMessage(id MessageID) ([]Reaction, error)
	AddReaction(r *Reaction) error
	RemoveReaction(id MessageID, author ids.AccountID, emoji string) error
	DeleteAllReactions(id MessageID) error
	// SetReactions replaces every reaction row for the message in one step.
	SetReactions(id MessageID, rs []Reaction) error
	AddPendingReaction(p PendingReaction) error
	// TakePendingReaction removes a matching pending row and reports whether
	// one existed.
	TakePendingReaction(p PendingReaction) (bool, error)
}

type GroupStore interface {
	Group(publicKey string) (*GroupRecord, bool, error)
	CreateGroup(rec *GroupRecord) error
	SetGroupName(publicKey, name string) error
	SetGroupMembers(publicKey string, members []ids.AccountID) error
	SetGroupAdmins(publicKey string, admins []ids.AccountID) error
	SetGroupZombieMembers(publicKey string, zombies []ids.AccountID) error
	SetGroupActive(publicKey string, active bool) error
	AddGroupKeyPair(publicKey string, kp protocol.KeyPair, receivedAtMs uint64) error
	LatestGroupKeyPair(publicKey string) (protocol.KeyPair, bool, error)
	HasGroupKeyPair(publicKey string, kp protocol.KeyPair) (bool, error)
	AllGroupKeyPairs(publicKey string) ([]protocol.KeyPair, error)
	DeleteGroupKeyPairs(publicKey string) error
}

type ContactStore interface {
	Contact(id ids.AccountID) (*Contact, bool, error)
	SaveContact(c *Contact) error
	// ContactIsHidden reports whether the conversation with the contact has
	// been hidden through the synced config.
	ContactIsHidden(id ids.AccountID) (bool, error)
}

type ExpirationStore interface {
	ExpirationConfig(threadID int64) (*ExpirationConfig, bool, error)
	SetExpirationConfig(c *ExpirationConfig) error
}

type CommunityStore interface {
	OpenGroupByID(id string) (*OpenGroup, bool, error)
	AddOpenGroup(server, room string) error
}

type Storage interface {
	IdentityStore
	ConfigStore
	ThreadStore
	MessageStore
	ReactionStore
	GroupStore
	ContactStore
	ExpirationStore
	CommunityStore
}
