package groups

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/crypto"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// KeyDistributor re-sends the latest group encryption key pair. Admins use it
// to close the window where a freshly added member misses a rotation that was
// in flight when the add went out.
type KeyDistributor interface {
	ResendLatestKeyPair(groupPublicKey string, members []ids.AccountID) error
}

// LegacyHandler applies legacy closed group control messages to local state.
type LegacyHandler struct {
	log         *zap.SugaredLogger
	clock       clock.Clock
	store       storage.Storage
	push        PushRegistry
	distributor KeyDistributor
}

func NewLegacyHandler(cfg *config.Config, cl clock.Clock, store storage.Storage, push PushRegistry, distributor KeyDistributor) *LegacyHandler {
	return &LegacyHandler{
		log:         cfg.Logger("groups"),
		clock:       cl,
		store:       store,
		push:        push,
		distributor: distributor,
	}
}

func (h *LegacyHandler) Handle(m *protocol.LegacyGroupControlMessage) error {
	if !m.Valid() {
		return fmt.Errorf("%w: kind %d", ErrInvalidControl, m.Kind)
	}
	switch m.Kind {
	case protocol.LegacyGroupNew:
		return h.handleNew(m)
	case protocol.LegacyGroupEncryptionKeyPair:
		return h.handleEncryptionKeyPair(m)
	case protocol.LegacyGroupNameChange:
		return h.handleNameChange(m)
	case protocol.LegacyGroupMembersAdded:
		return h.handleMembersAdded(m)
	case protocol.LegacyGroupMembersRemoved:
		return h.handleMembersRemoved(m)
	case protocol.LegacyGroupMemberLeft:
		return h.handleMemberLeft(m)
	}
	return fmt.Errorf("%w: unhandled kind %d", ErrInvalidControl, m.Kind)
}

func (h *LegacyHandler) handleNew(m *protocol.LegacyGroupControlMessage) error {
	groupPublicKey := m.TargetGroupPublicKey()
	members := m.MemberIDs()
	admins := m.AdminIDs()

	ok, err := h.store.CanPerformConfigChange(storage.ConfigUserGroups, m.Meta().SentTimestamp)
	if err != nil {
		return err
	}
	if !ok {
		h.log.Debugf("ignoring new group %s, removed by a newer config", groupPublicKey)
		return nil
	}

	existing, found, err := h.store.Group(groupPublicKey)
	if err != nil {
		return err
	}
	if found && existing.Active {
		// Re-invite to a group we are already in; just refresh the key.
		return h.storeKeyPairIfNew(groupPublicKey, m.EncryptionKeyPair, m.Meta().SentTimestamp)
	}

	rec := &storage.GroupRecord{
		PublicKey:          groupPublicKey,
		Name:               m.Name,
		Members:            members,
		Admins:             admins,
		FormationTimestamp: m.Meta().SentTimestamp,
		ExpirationSeconds:  m.ExpirationTimer,
		Active:             true,
	}
	if err := h.store.CreateGroup(rec); err != nil {
		return err
	}
	if err := h.store.AddGroupKeyPair(groupPublicKey, m.EncryptionKeyPair, m.Meta().SentTimestamp); err != nil {
		return err
	}

	threadID, err := h.store.GetOrCreateThread(storage.Address{GroupID: ids.DoubleEncodeGroupID(groupPublicKey)})
	if err != nil {
		return err
	}
	if m.ExpirationTimer > 0 {
		err = h.store.SetExpirationConfig(&storage.ExpirationConfig{
			ThreadID:    threadID,
			Mode:        storage.ExpiryMode{Type: protocol.ExpiryAfterSend, DurationSeconds: m.ExpirationTimer},
			UpdatedAtMs: m.Meta().SentTimestamp,
		})
		if err != nil {
			return err
		}
	}
	if err := h.store.InsertInfoMessage(threadID, storage.InfoGroupCreated, m.Meta().Sender, m.Name, m.Meta().SentTimestamp); err != nil {
		return err
	}
	if err := h.push.SubscribeGroup(groupPublicKey); err != nil {
		h.log.Warnf("unable to subscribe to group %s: %v", groupPublicKey, err)
	}
	return nil
}

// validateUpdate enforces the shared gates on every post-creation control
// message: the group must exist and be active, the sender must have been a
// member before the update, and the update must not predate the group.
func (h *LegacyHandler) validateUpdate(groupPublicKey string, m *protocol.LegacyGroupControlMessage) (*storage.GroupRecord, error) {
	group, found, err := h.store.Group(groupPublicKey)
	if err != nil {
		return nil, err
	}
	if !found || !group.Active {
		return nil, ErrGroupNotFound
	}
	if m.Meta().SentTimestamp < group.FormationTimestamp {
		return nil, ErrStaleUpdate
	}
	if !group.HasMember(m.Meta().Sender) {
		return nil, ErrNotMember
	}
	return group, nil
}

// configAllows reports whether the synced groups config still permits a
// change at the message's timestamp. Updates a newer config has overruled
// keep their thread notification but no longer mutate the group record.
func (h *LegacyHandler) configAllows(m *protocol.LegacyGroupControlMessage) (bool, error) {
	return h.store.CanPerformConfigChange(storage.ConfigUserGroups, m.Meta().SentTimestamp)
}

func (h *LegacyHandler) handleEncryptionKeyPair(m *protocol.LegacyGroupControlMessage) error {
	groupPublicKey := m.TargetGroupPublicKey()
	group, err := h.validateUpdate(groupPublicKey, m)
	if err != nil {
		return err
	}
	// Only admins rotate keys.
	if !group.HasAdmin(m.Meta().Sender) {
		return ErrNotAdmin
	}
	allowed, err := h.configAllows(m)
	if err != nil {
		return err
	}
	if !allowed {
		h.log.Debugf("ignoring key rotation for %s, superseded by config", groupPublicKey)
		return nil
	}

	userPublicKey := h.store.UserPublicKey()
	var wrapper *protocol.KeyPairWrapper
	for i := range m.Wrappers {
		if m.Wrappers[i].PublicKey == userPublicKey {
			wrapper = &m.Wrappers[i]
			break
		}
	}
	if wrapper == nil {
		h.log.Debugf("key rotation for %s carries no wrapper for us", groupPublicKey)
		return nil
	}

	plaintext, err := crypto.UnwrapForMember(wrapper.EncryptedKeyPair, h.store.UserX25519PrivateKey())
	if err != nil {
		return fmt.Errorf("%w: unable to unwrap key pair: %v", ErrInvalidControl, err)
	}
	kp := &protocol.KeyPair{}
	if err := decodeKeyPair(plaintext, kp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return h.storeKeyPairIfNew(groupPublicKey, *kp, m.Meta().SentTimestamp)
}

func (h *LegacyHandler) storeKeyPairIfNew(groupPublicKey string, kp protocol.KeyPair, receivedAtMs uint64) error {
	has, err := h.store.HasGroupKeyPair(groupPublicKey, kp)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return h.store.AddGroupKeyPair(groupPublicKey, kp, receivedAtMs)
}

func (h *LegacyHandler) handleNameChange(m *protocol.LegacyGroupControlMessage) error {
	groupPublicKey := m.TargetGroupPublicKey()
	group, err := h.validateUpdate(groupPublicKey, m)
	if err != nil {
		return err
	}
	if group.Name == m.Name {
		return nil
	}
	allowed, err := h.configAllows(m)
	if err != nil {
		return err
	}
	if allowed {
		if err := h.store.SetGroupName(groupPublicKey, m.Name); err != nil {
			return err
		}
	}
	return h.insertGroupInfo(groupPublicKey, storage.InfoGroupUpdated, m.Meta().Sender, m.Name, m.Meta().SentTimestamp)
}

func (h *LegacyHandler) handleMembersAdded(m *protocol.LegacyGroupControlMessage) error {
	groupPublicKey := m.TargetGroupPublicKey()
	group, err := h.validateUpdate(groupPublicKey, m)
	if err != nil {
		return err
	}

	added := make([]ids.AccountID, 0, len(m.Members))
	for _, id := range m.MemberIDs() {
		if !group.HasMember(id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return nil
	}
	allowed, err := h.configAllows(m)
	if err != nil {
		return err
	}
	if allowed {
		if err := h.store.SetGroupMembers(groupPublicKey, append(group.Members, added...)); err != nil {
			return err
		}
		// A member re-added after removal is no longer a zombie.
		zombies := without(group.ZombieMembers, added)
		if len(zombies) != len(group.ZombieMembers) {
			if err := h.store.SetGroupZombieMembers(groupPublicKey, zombies); err != nil {
				return err
			}
		}

		// If we are an admin, re-send the current key pair to the new members in
		// case a rotation raced the add.
		if h.distributor != nil && group.HasAdmin(h.store.UserPublicKey()) {
			if err := h.distributor.ResendLatestKeyPair(groupPublicKey, added); err != nil {
				h.log.Warnf("unable to re-send key pair for %s: %v", groupPublicKey, err)
			}
		}
	}
	return h.insertGroupInfo(groupPublicKey, storage.InfoGroupUpdated, m.Meta().Sender, "", m.Meta().SentTimestamp)
}

func (h *LegacyHandler) handleMembersRemoved(m *protocol.LegacyGroupControlMessage) error {
	groupPublicKey := m.TargetGroupPublicKey()
	group, err := h.validateUpdate(groupPublicKey, m)
	if err != nil {
		return err
	}
	// Only admins remove members.
	if !group.HasAdmin(m.Meta().Sender) {
		return ErrNotAdmin
	}

	removed := m.MemberIDs()
	// Zombies already produced a left notification when they departed; only
	// announce removals the thread has not seen yet.
	notifiable := without(removed, group.ZombieMembers)
	allowed, err := h.configAllows(m)
	if err != nil {
		return err
	}
	if allowed {
		for _, id := range removed {
			if group.HasAdmin(id) {
				// Admins cannot be removed; an update claiming to is a disband.
				return h.disband(groupPublicKey, m)
			}
		}

		userPublicKey := h.store.UserPublicKey()
		for _, id := range removed {
			if id == userPublicKey {
				return h.disableLocally(groupPublicKey, m)
			}
		}

		if err := h.store.SetGroupMembers(groupPublicKey, without(group.Members, removed)); err != nil {
			return err
		}
		zombies := without(group.ZombieMembers, removed)
		if len(zombies) != len(group.ZombieMembers) {
			if err := h.store.SetGroupZombieMembers(groupPublicKey, zombies); err != nil {
				return err
			}
		}
	}
	if len(notifiable) == 0 {
		return nil
	}
	return h.insertGroupInfo(groupPublicKey, storage.InfoGroupUpdated, m.Meta().Sender, "", m.Meta().SentTimestamp)
}

func (h *LegacyHandler) handleMemberLeft(m *protocol.LegacyGroupControlMessage) error {
	groupPublicKey := m.TargetGroupPublicKey()
	group, err := h.validateUpdate(groupPublicKey, m)
	if err != nil {
		return err
	}
	leaving := m.Meta().Sender
	allowed, err := h.configAllows(m)
	if err != nil {
		return err
	}
	if allowed {
		if group.HasAdmin(leaving) {
			// The admin leaving ends the group for everyone.
			return h.disband(groupPublicKey, m)
		}

		if err := h.store.SetGroupMembers(groupPublicKey, without(group.Members, []ids.AccountID{leaving})); err != nil {
			return err
		}
		// The departed member stays a zombie until the next key rotation
		// excludes them or a removal confirms the departure.
		zombies := append(without(group.ZombieMembers, []ids.AccountID{leaving}), leaving)
		if err := h.store.SetGroupZombieMembers(groupPublicKey, zombies); err != nil {
			return err
		}
	}
	return h.insertGroupInfo(groupPublicKey, storage.InfoMemberLeft, leaving, "", m.Meta().SentTimestamp)
}

// disband deactivates the group for everyone and drops its keys.
func (h *LegacyHandler) disband(groupPublicKey string, m *protocol.LegacyGroupControlMessage) error {
	if err := h.disableLocally(groupPublicKey, m); err != nil {
		return err
	}
	return nil
}

func (h *LegacyHandler) disableLocally(groupPublicKey string, m *protocol.LegacyGroupControlMessage) error {
	if err := h.store.SetGroupActive(groupPublicKey, false); err != nil {
		return err
	}
	if err := h.store.DeleteGroupKeyPairs(groupPublicKey); err != nil {
		return err
	}
	if err := h.push.UnsubscribeGroup(groupPublicKey); err != nil {
		h.log.Warnf("unable to unsubscribe from group %s: %v", groupPublicKey, err)
	}
	return h.insertGroupInfo(groupPublicKey, storage.InfoGroupUpdated, m.Meta().Sender, "", m.Meta().SentTimestamp)
}

func (h *LegacyHandler) insertGroupInfo(groupPublicKey string, typ storage.InfoMessageType, sender ids.AccountID, body string, timestampMs uint64) error {
	threadID, err := h.store.ThreadID(storage.Address{GroupID: ids.DoubleEncodeGroupID(groupPublicKey)})
	if err != nil {
		return err
	}
	if threadID == protocol.NoThread {
		return nil
	}
	return h.store.InsertInfoMessage(threadID, typ, sender, body, timestampMs)
}

func without(members []ids.AccountID, drop []ids.AccountID) []ids.AccountID {
	out := make([]ids.AccountID, 0, len(members))
	for _, m := range members {
		if !slices.Contains(drop, m) {
			out = append(out, m)
		}
	}
	return out
}
