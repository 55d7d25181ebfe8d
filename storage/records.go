// Package storage defines the persistence contract the receive pipeline and
// group managers run against, together with the record types that cross it.
// The sqlcipher-backed implementation lives in the store package; tests swap
// in fakes.
package storage

import (
	"golang.org/x/exp/slices"

	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
)

// MessageID addresses a persisted message. Text and media messages live in
// separate tables, so the numeric id alone is ambiguous.
type MessageID struct {
	ID  int64
	MMS bool
}

type MessageType = uint8

const (
	MessageIncoming MessageType = iota + 1
	MessageOutgoing
)

// Address names a conversation target: a one-to-one contact, a legacy or
// updated closed group, or a community room.
type Address struct {
	AccountID ids.AccountID
	// Double-encoded legacy group id, set for closed group threads.
	GroupID string
	// "server.room" community id, set for community threads.
	CommunityID string
}

func (a Address) IsGroup() bool     { return a.GroupID != "" }
func (a Address) IsCommunity() bool { return a.CommunityID != "" }

type ThreadRecord struct {
	ID       int64
	Address  Address
	LastSeen uint64
}

// GroupRecord is the local state of a legacy closed group.
type GroupRecord struct {
	PublicKey          string
	Name               string
	Members            []ids.AccountID
	Admins             []ids.AccountID
	ZombieMembers      []ids.AccountID
	FormationTimestamp uint64
	ExpirationSeconds  uint32
	Active             bool
}

func (g *GroupRecord) HasMember(id ids.AccountID) bool {
	return slices.Contains(g.Members, id)
}

func (g *GroupRecord) HasAdmin(id ids.AccountID) bool {
	return slices.Contains(g.Admins, id)
}

type ExpiryMode struct {
	Type            protocol.ExpiryType
	DurationSeconds uint32
}

// ExpirationConfig is a thread's disappearing-message setting together with
// the config timestamp that set it.
type ExpirationConfig struct {
	ThreadID    int64
	Mode        ExpiryMode
	UpdatedAtMs uint64
}

func (c *ExpirationConfig) Enabled() bool {
	return c.Mode.Type != protocol.ExpiryNone && c.Mode.DurationSeconds > 0
}

type Contact struct {
	AccountID         ids.AccountID
	Name              string
	Nickname          string
	ProfilePictureURL string
	ProfileKey        []byte
	IsApproved        bool
	IsBlocked         bool
	DidApproveMe      bool
	IsHidden          bool
	// Set when the contact asked communities not to relay message requests
	// on their behalf.
	BlocksCommunityRequests bool
}

type OpenGroup struct {
	Server    string
	Room      string
	PublicKey string
}

func (o *OpenGroup) ID() string { return o.Server + "." + o.Room }

// Reaction is a persisted reaction row. For community threads the first row
// for an emoji carries the server-reported total.
type Reaction struct {
	MessageID MessageID
	Author    ids.AccountID
	Emoji     string
	ServerID  string
	Count     int64
	SortID    int64
	SentAtMs  uint64
}

// ServerReaction is a community server's aggregate view of one emoji on one
// message.
type ServerReaction struct {
	ServerMessageID int64
	Emoji           string
	Count           int64
	// Reactor ids as reported, truncated by the server.
	Reactors []ids.AccountID
	// True when the server says the current user reacted, even if the user's
	// id was truncated out of Reactors.
	You bool
	// Local id index for rows the server reported under a blinded id.
	SessionIDs map[ids.AccountID]ids.AccountID
}

// PendingReaction records a reaction change sent to a community server whose
// echo has not arrived yet.
type PendingReaction struct {
	Server          string
	Room            string
	ServerMessageID int64
	Author          ids.AccountID
	Emoji           string
	Add             bool
}

type InfoMessageType = uint8

const (
	InfoGroupCreated InfoMessageType = iota + 1
	InfoGroupUpdated
	InfoGroupCurrentUserLeft
	InfoMemberLeft
	InfoMessageDeleted
	InfoScreenshotTaken
	InfoMediaSaved
	InfoCallIncoming
	InfoCallOutgoing
	InfoCallMissed
	InfoDisappearingStateChange
	InfoGroupInviteFailed
)

// ConfigKind names a config replica namespace for change-permission checks.
type ConfigKind = uint8

const (
	ConfigUserProfile ConfigKind = iota + 1
	ConfigContacts
	ConfigUserGroups
	ConfigConversationVolatile
)
