package protocol

import "github.com/Oligofornet/session-android/ids"

type GroupUpdatedKind = uint8

const (
	GroupUpdatedInvite GroupUpdatedKind = iota + 1
	GroupUpdatedInviteResponse
	GroupUpdatedPromote
	GroupUpdatedInfoChange
	GroupUpdatedMemberChange
	GroupUpdatedMemberLeft
	GroupUpdatedMemberLeftNotification
	GroupUpdatedDeleteMemberContent
)

type GroupInvite struct {
	GroupSessionID string `bencode:"g"`
	Name           string `bencode:"n"`
	MemberAuthData []byte `bencode:"m"`
	AdminSignature []byte `bencode:"s"`
}

type GroupInviteResponse struct {
	IsApproved bool `bencode:"a"`
}

type GroupPromote struct {
	GroupIdentitySeed []byte `bencode:"g"`
	Name              string `bencode:"n"`
}

type GroupInfoChangeType = uint8

const (
	GroupInfoName GroupInfoChangeType = iota + 1
	GroupInfoAvatar
	GroupInfoExpiry
)

type GroupInfoChange struct {
	Type              GroupInfoChangeType `bencode:"t"`
	UpdatedName       string              `bencode:"n"`
	UpdatedExpiration uint32              `bencode:"x"`
	AdminSignature    []byte              `bencode:"s"`
}

type GroupMemberChangeType = uint8

const (
	GroupMembersAdded GroupMemberChangeType = iota + 1
	GroupMembersRemoved
	GroupMembersPromoted
)

type GroupMemberChange struct {
	Type           GroupMemberChangeType `bencode:"t"`
	MemberIDs      []ids.AccountID       `bencode:"m"`
	HistoryShared  bool                  `bencode:"h"`
	AdminSignature []byte                `bencode:"s"`
}

type GroupDeleteMemberContent struct {
	MemberIDs      []ids.AccountID `bencode:"m"`
	MessageHashes  []string        `bencode:"x"`
	AdminSignature []byte          `bencode:"s"`
}

// GroupUpdated carries the updated closed group control sub-messages. Kind
// selects the populated sub-struct; MemberLeft and MemberLeftNotification
// carry no payload.
type GroupUpdated struct {
	meta Meta

	Kind                GroupUpdatedKind         `bencode:"k"`
	HasProfile          bool                     `bencode:"hp"`
	Profile             Profile                  `bencode:"p"`
	Invite              GroupInvite              `bencode:"i"`
	InviteResponse      GroupInviteResponse      `bencode:"r"`
	Promote             GroupPromote             `bencode:"o"`
	InfoChange          GroupInfoChange          `bencode:"c"`
	MemberChange        GroupMemberChange        `bencode:"m"`
	DeleteMemberContent GroupDeleteMemberContent `bencode:"d"`
}

func (m *GroupUpdated) Meta() *Meta { return &m.meta }
func (m *GroupUpdated) wireKind() uint8 {
	return kindGroupUpdated
}

func (m *GroupUpdated) Valid() bool {
	switch m.Kind {
	case GroupUpdatedInvite:
		return m.Invite.GroupSessionID != "" && len(m.Invite.AdminSignature) > 0
	case GroupUpdatedInviteResponse, GroupUpdatedMemberLeft, GroupUpdatedMemberLeftNotification:
		return true
	case GroupUpdatedPromote:
		return len(m.Promote.GroupIdentitySeed) > 0
	case GroupUpdatedInfoChange:
		return m.InfoChange.Type != 0
	case GroupUpdatedMemberChange:
		return m.MemberChange.Type != 0 && len(m.MemberChange.MemberIDs) > 0
	case GroupUpdatedDeleteMemberContent:
		return len(m.DeleteMemberContent.MemberIDs) > 0 ||
			len(m.DeleteMemberContent.MessageHashes) > 0
	}
	return false
}
