package protocol

import (
	"encoding/hex"

	"github.com/Oligofornet/session-android/ids"
)

type LegacyGroupControlKind = uint8

const (
	LegacyGroupNew LegacyGroupControlKind = iota + 1
	LegacyGroupEncryptionKeyPair
	LegacyGroupNameChange
	LegacyGroupMembersAdded
	LegacyGroupMembersRemoved
	LegacyGroupMemberLeft
)

// KeyPairWrapper is one member's copy of a rotated group encryption key pair,
// sealed to that member's key.
type KeyPairWrapper struct {
	PublicKey        ids.AccountID `bencode:"p"`
	EncryptedKeyPair []byte        `bencode:"e"`
}

// LegacyGroupControlMessage drives the legacy closed group state machine. The
// populated fields depend on Kind; the rest travel as zero values.
type LegacyGroupControlMessage struct {
	meta Meta

	Kind LegacyGroupControlKind `bencode:"k"`
	// Group public key for New, and the optional explicit target group for
	// EncryptionKeyPair.
	PublicKey         []byte           `bencode:"p"`
	Name              string           `bencode:"n"`
	EncryptionKeyPair KeyPair          `bencode:"e"`
	Members           [][]byte         `bencode:"m"`
	Admins            [][]byte         `bencode:"a"`
	ExpirationTimer   uint32           `bencode:"t"`
	Wrappers          []KeyPairWrapper `bencode:"w"`
}

func (m *LegacyGroupControlMessage) Meta() *Meta { return &m.meta }
func (m *LegacyGroupControlMessage) wireKind() uint8 {
	return kindLegacyGroupControl
}

func (m *LegacyGroupControlMessage) Valid() bool {
	switch m.Kind {
	case LegacyGroupNew:
		return len(m.PublicKey) > 0 && m.Name != "" &&
			len(m.EncryptionKeyPair.PublicKey) > 0 &&
			len(m.EncryptionKeyPair.PrivateKey) > 0 &&
			len(m.Members) > 0 && len(m.Admins) > 0
	case LegacyGroupEncryptionKeyPair:
		return true
	case LegacyGroupNameChange:
		return m.Name != ""
	case LegacyGroupMembersAdded, LegacyGroupMembersRemoved:
		return len(m.Members) > 0
	case LegacyGroupMemberLeft:
		return true
	}
	return false
}

// TargetGroupPublicKey resolves the group this control message addresses. Key
// rotations may name the group explicitly; every other kind relies on the
// envelope the message arrived in.
func (m *LegacyGroupControlMessage) TargetGroupPublicKey() string {
	if m.Kind == LegacyGroupEncryptionKeyPair && len(m.PublicKey) > 0 {
		return hex.EncodeToString(m.PublicKey)
	}
	if m.Kind == LegacyGroupNew {
		return hex.EncodeToString(m.PublicKey)
	}
	return m.meta.GroupPublicKey
}

func (m *LegacyGroupControlMessage) MemberIDs() []ids.AccountID {
	out := make([]ids.AccountID, 0, len(m.Members))
	for _, b := range m.Members {
		out = append(out, ids.AccountID(hex.EncodeToString(b)))
	}
	return out
}

func (m *LegacyGroupControlMessage) AdminIDs() []ids.AccountID {
	out := make([]ids.AccountID, 0, len(m.Admins))
	for _, b := range m.Admins {
		out = append(out, ids.AccountID(hex.EncodeToString(b)))
	}
	return out
}
