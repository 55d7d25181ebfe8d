package receive

import (
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// addressFor derives the conversation address a message belongs to.
func addressFor(m protocol.Message, openGroupID string) storage.Address {
	meta := m.Meta()
	if openGroupID != "" {
		return storage.Address{CommunityID: openGroupID}
	}
	if meta.GroupPublicKey != "" {
		if ids.IsGroup(meta.GroupPublicKey) {
			return storage.Address{GroupID: meta.GroupPublicKey}
		}
		return storage.Address{GroupID: ids.DoubleEncodeGroupID(meta.GroupPublicKey)}
	}
	return storage.Address{AccountID: protocol.SenderOrSync(m)}
}

// shouldCreateThread reports whether a message may open a new conversation.
// Only visible content does; control messages for unknown conversations are
// dropped instead. Community threads are created by joining the room, never
// by an incoming message.
func shouldCreateThread(m protocol.Message, addr storage.Address) bool {
	if addr.IsCommunity() {
		return false
	}
	if _, ok := m.(*protocol.VisibleMessage); ok {
		return true
	}
	// Group control messages bring their own thread bootstrap.
	switch m.(type) {
	case *protocol.LegacyGroupControlMessage, *protocol.GroupUpdated:
		return true
	}
	return false
}

// resolveThread maps a message to a thread id, creating the thread when the
// message kind warrants it. Returns NoThread when no mapping exists.
func resolveThread(store storage.ThreadStore, m protocol.Message, openGroupID string) (int64, error) {
	addr := addressFor(m, openGroupID)
	id, err := store.ThreadID(addr)
	if err != nil {
		return protocol.NoThread, retryable(err)
	}
	if id != protocol.NoThread {
		return id, nil
	}
	if !shouldCreateThread(m, addr) {
		return protocol.NoThread, nil
	}
	id, err = store.GetOrCreateThread(addr)
	if err != nil {
		return protocol.NoThread, retryable(err)
	}
	return id, nil
}

// configKindFor names the config namespace that governs a conversation.
func configKindFor(addr storage.Address) storage.ConfigKind {
	if addr.IsGroup() || addr.IsCommunity() {
		return storage.ConfigUserGroups
	}
	return storage.ConfigContacts
}
