package groups

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Oligofornet/session-android/clock"
	"github.com/Oligofornet/session-android/config"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
	"github.com/Oligofornet/session-android/storage"
)

// Domain prefixes for admin-signed group operations. The signed payload is
// the prefix, the operation detail, and the message's sent timestamp, so a
// signature cannot be replayed for a different operation or time.
const (
	signInvite        = "INVITE"
	signInfoChange    = "INFO_CHANGE"
	signMemberChange  = "MEMBER_CHANGE"
	signDeleteContent = "DELETE_CONTENT"
)

var ErrBadAdminSignature = fmt.Errorf("groups: admin signature verification failed")

// UpdatedHandler applies new-protocol group control messages. Every
// state-changing operation authenticates against the group's ED25519
// identity key on the receive path, then hands the mutation to the group
// manager's worker so it cannot interleave with a local membership edit.
type UpdatedHandler struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	store storage.Storage
	push  PushRegistry
	queue Applier
}

func NewUpdatedHandler(cfg *config.Config, cl clock.Clock, store storage.Storage, push PushRegistry, queue Applier) *UpdatedHandler {
	return &UpdatedHandler{
		log:   cfg.Logger("groups"),
		clock: cl,
		store: store,
		push:  push,
		queue: queue,
	}
}

// delegate queues an authenticated mutation. Delivery is fire-and-forget:
// the message already passed authentication, so a full queue only loses a
// state refresh the next poll will repeat.
func (h *UpdatedHandler) delegate(op, groupSessionID string, fn func(ctx context.Context) error) error {
	if err := h.queue.Apply(op, groupSessionID, fn); err != nil {
		h.log.Warnf("unable to queue %s for group %s: %v", op, groupSessionID, err)
	}
	return nil
}

// groupIdentityKey extracts the ED25519 public key from an 03-prefixed group
// session id.
func groupIdentityKey(groupSessionID string) (ed25519.PublicKey, error) {
	if !ids.IsGroup(groupSessionID) {
		return nil, fmt.Errorf("%w: %q is not a group session id", ErrInvalidControl, groupSessionID)
	}
	key, err := ids.KeyBytes(groupSessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return ed25519.PublicKey(key), nil
}

func verifyAdminSignature(groupSessionID string, payload string, sig []byte) error {
	pub, err := groupIdentityKey(groupSessionID)
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize {
		return ErrBadAdminSignature
	}
	if !ed25519.Verify(pub, []byte(payload), sig) {
		return ErrBadAdminSignature
	}
	return nil
}

// SignInvite produces the admin signature an invite carries. Exposed for the
// sending side.
func SignInvite(groupSecretKey ed25519.PrivateKey, invitee ids.AccountID, timestampMs uint64) []byte {
	return ed25519.Sign(groupSecretKey, []byte(fmt.Sprintf("%s%s%d", signInvite, invitee, timestampMs)))
}

func SignInfoChange(groupSecretKey ed25519.PrivateKey, typ protocol.GroupInfoChangeType, timestampMs uint64) []byte {
	return ed25519.Sign(groupSecretKey, []byte(fmt.Sprintf("%s%d%d", signInfoChange, typ, timestampMs)))
}

func SignMemberChange(groupSecretKey ed25519.PrivateKey, typ protocol.GroupMemberChangeType, timestampMs uint64) []byte {
	return ed25519.Sign(groupSecretKey, []byte(fmt.Sprintf("%s%d%d", signMemberChange, typ, timestampMs)))
}

func SignDeleteContent(groupSecretKey ed25519.PrivateKey, memberIDs []ids.AccountID, hashes []string, timestampMs uint64) []byte {
	payload := deleteContentPayload(memberIDs, hashes, timestampMs)
	return ed25519.Sign(groupSecretKey, []byte(payload))
}

func deleteContentPayload(memberIDs []ids.AccountID, hashes []string, timestampMs uint64) string {
	return fmt.Sprintf("%s%d%s%s", signDeleteContent, timestampMs, strings.Join(memberIDs, ""), strings.Join(hashes, ""))
}

// Handle applies one updated-group control message. The group session id is
// taken from the invite payload for invites and from the envelope source for
// everything else.
func (h *UpdatedHandler) Handle(m *protocol.GroupUpdated) error {
	if !m.Valid() {
		return fmt.Errorf("%w: kind %d", ErrInvalidControl, m.Kind)
	}
	switch m.Kind {
	case protocol.GroupUpdatedInvite:
		return h.handleInvite(m)
	case protocol.GroupUpdatedInviteResponse:
		return h.handleInviteResponse(m)
	case protocol.GroupUpdatedPromote:
		return h.handlePromote(m)
	case protocol.GroupUpdatedInfoChange:
		return h.handleInfoChange(m)
	case protocol.GroupUpdatedMemberChange:
		return h.handleMemberChange(m)
	case protocol.GroupUpdatedMemberLeft:
		return h.handleMemberLeft(m)
	case protocol.GroupUpdatedMemberLeftNotification:
		return h.handleMemberLeftNotification(m)
	case protocol.GroupUpdatedDeleteMemberContent:
		return h.handleDeleteMemberContent(m)
	}
	return fmt.Errorf("%w: unhandled kind %d", ErrInvalidControl, m.Kind)
}

func (h *UpdatedHandler) handleInvite(m *protocol.GroupUpdated) error {
	invite := m.Invite
	userPublicKey := h.store.UserPublicKey()
	payload := fmt.Sprintf("%s%s%d", signInvite, userPublicKey, m.Meta().SentTimestamp)
	if err := verifyAdminSignature(invite.GroupSessionID, payload, invite.AdminSignature); err != nil {
		// Unverifiable invites are dropped outright; acting on one would let
		// anyone pull the user into a group.
		return err
	}

	return h.delegate("invite", invite.GroupSessionID, func(ctx context.Context) error {
		contact, found, err := h.store.Contact(m.Meta().Sender)
		if err != nil {
			return err
		}
		approved := found && contact.IsApproved

		rec := &storage.GroupRecord{
			PublicKey:          invite.GroupSessionID,
			Name:               invite.Name,
			Members:            []ids.AccountID{userPublicKey},
			FormationTimestamp: m.Meta().SentTimestamp,
			Active:             approved,
		}
		if err := h.store.CreateGroup(rec); err != nil {
			return err
		}
		if !approved {
			h.log.Debugf("group invite from unapproved sender %s held for review", m.Meta().Sender)
			return nil
		}

		threadID, err := h.store.GetOrCreateThread(storage.Address{GroupID: invite.GroupSessionID})
		if err != nil {
			return err
		}
		if err := h.store.InsertInfoMessage(threadID, storage.InfoGroupCreated, m.Meta().Sender, invite.Name, m.Meta().SentTimestamp); err != nil {
			return err
		}
		if err := h.push.SubscribeGroup(invite.GroupSessionID); err != nil {
			h.log.Warnf("unable to subscribe to group %s: %v", invite.GroupSessionID, err)
		}
		return nil
	})
}

func (h *UpdatedHandler) handleInviteResponse(m *protocol.GroupUpdated) error {
	groupSessionID := m.Meta().GroupPublicKey
	return h.delegate("invite-response", groupSessionID, func(ctx context.Context) error {
		group, found, err := h.store.Group(groupSessionID)
		if err != nil {
			return err
		}
		if !found || !group.Active {
			return ErrGroupNotFound
		}
		if !m.InviteResponse.IsApproved {
			return h.store.SetGroupMembers(groupSessionID, without(group.Members, []ids.AccountID{m.Meta().Sender}))
		}
		if group.HasMember(m.Meta().Sender) {
			return nil
		}
		return h.store.SetGroupMembers(groupSessionID, append(group.Members, m.Meta().Sender))
	})
}

func (h *UpdatedHandler) handlePromote(m *protocol.GroupUpdated) error {
	seed := m.Promote.GroupIdentitySeed
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("%w: promotion seed has length %d", ErrInvalidControl, len(seed))
	}
	secret := ed25519.NewKeyFromSeed(seed)
	pub := secret.Public().(ed25519.PublicKey)
	groupSessionID, err := ids.FromKey(ids.PrefixGroup, pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return h.delegate("promote", groupSessionID, func(ctx context.Context) error {
		group, found, err := h.store.Group(groupSessionID)
		if err != nil {
			return err
		}
		if !found || !group.Active {
			return ErrGroupNotFound
		}
		userPublicKey := h.store.UserPublicKey()
		if group.HasAdmin(userPublicKey) {
			return nil
		}
		if err := h.store.SetGroupAdmins(groupSessionID, append(group.Admins, userPublicKey)); err != nil {
			return err
		}
		return h.infoMessage(groupSessionID, storage.InfoGroupUpdated, m.Meta().Sender, m.Promote.Name, m.Meta().SentTimestamp)
	})
}

func (h *UpdatedHandler) handleInfoChange(m *protocol.GroupUpdated) error {
	groupSessionID := m.Meta().GroupPublicKey
	change := m.InfoChange
	payload := fmt.Sprintf("%s%d%d", signInfoChange, change.Type, m.Meta().SentTimestamp)
	if err := verifyAdminSignature(groupSessionID, payload, change.AdminSignature); err != nil {
		return err
	}
	switch change.Type {
	case protocol.GroupInfoName, protocol.GroupInfoAvatar, protocol.GroupInfoExpiry:
	default:
		return fmt.Errorf("%w: unhandled info change type %d", ErrInvalidControl, change.Type)
	}

	return h.delegate("info-change", groupSessionID, func(ctx context.Context) error {
		group, found, err := h.store.Group(groupSessionID)
		if err != nil {
			return err
		}
		if !found || !group.Active {
			return ErrGroupNotFound
		}

		switch change.Type {
		case protocol.GroupInfoName:
			if err := h.store.SetGroupName(groupSessionID, change.UpdatedName); err != nil {
				return err
			}
			return h.infoMessage(groupSessionID, storage.InfoGroupUpdated, m.Meta().Sender, change.UpdatedName, m.Meta().SentTimestamp)
		case protocol.GroupInfoAvatar:
			return h.infoMessage(groupSessionID, storage.InfoGroupUpdated, m.Meta().Sender, "", m.Meta().SentTimestamp)
		default:
			threadID, err := h.store.ThreadID(storage.Address{GroupID: groupSessionID})
			if err != nil {
				return err
			}
			if threadID == protocol.NoThread {
				return nil
			}
			mode := storage.ExpiryMode{Type: protocol.ExpiryAfterSend, DurationSeconds: change.UpdatedExpiration}
			if change.UpdatedExpiration == 0 {
				mode = storage.ExpiryMode{Type: protocol.ExpiryNone}
			}
			err = h.store.SetExpirationConfig(&storage.ExpirationConfig{
				ThreadID:    threadID,
				Mode:        mode,
				UpdatedAtMs: m.Meta().SentTimestamp,
			})
			if err != nil {
				return err
			}
			return h.store.InsertInfoMessage(threadID, storage.InfoDisappearingStateChange, m.Meta().Sender, "", m.Meta().SentTimestamp)
		}
	})
}

func (h *UpdatedHandler) handleMemberChange(m *protocol.GroupUpdated) error {
	groupSessionID := m.Meta().GroupPublicKey
	change := m.MemberChange
	payload := fmt.Sprintf("%s%d%d", signMemberChange, change.Type, m.Meta().SentTimestamp)
	if err := verifyAdminSignature(groupSessionID, payload, change.AdminSignature); err != nil {
		return err
	}
	switch change.Type {
	case protocol.GroupMembersAdded, protocol.GroupMembersRemoved, protocol.GroupMembersPromoted:
	default:
		return fmt.Errorf("%w: unhandled member change type %d", ErrInvalidControl, change.Type)
	}

	return h.delegate("member-change", groupSessionID, func(ctx context.Context) error {
		group, found, err := h.store.Group(groupSessionID)
		if err != nil {
			return err
		}
		if !found || !group.Active {
			return ErrGroupNotFound
		}

		switch change.Type {
		case protocol.GroupMembersAdded:
			members := group.Members
			for _, id := range change.MemberIDs {
				if !group.HasMember(id) {
					members = append(members, id)
				}
			}
			if err := h.store.SetGroupMembers(groupSessionID, members); err != nil {
				return err
			}
		case protocol.GroupMembersRemoved:
			userPublicKey := h.store.UserPublicKey()
			for _, id := range change.MemberIDs {
				if id == userPublicKey {
					return h.disable(groupSessionID, m)
				}
			}
			if err := h.store.SetGroupMembers(groupSessionID, without(group.Members, change.MemberIDs)); err != nil {
				return err
			}
		case protocol.GroupMembersPromoted:
			admins := group.Admins
			for _, id := range change.MemberIDs {
				if !group.HasAdmin(id) {
					admins = append(admins, id)
				}
			}
			if err := h.store.SetGroupAdmins(groupSessionID, admins); err != nil {
				return err
			}
		}
		return h.infoMessage(groupSessionID, storage.InfoGroupUpdated, m.Meta().Sender, "", m.Meta().SentTimestamp)
	})
}

func (h *UpdatedHandler) handleMemberLeft(m *protocol.GroupUpdated) error {
	groupSessionID := m.Meta().GroupPublicKey
	return h.delegate("member-left", groupSessionID, func(ctx context.Context) error {
		group, found, err := h.store.Group(groupSessionID)
		if err != nil {
			return err
		}
		if !found || !group.Active {
			return ErrGroupNotFound
		}
		return h.store.SetGroupMembers(groupSessionID, without(group.Members, []ids.AccountID{m.Meta().Sender}))
	})
}

func (h *UpdatedHandler) handleMemberLeftNotification(m *protocol.GroupUpdated) error {
	return h.delegate("member-left-notification", m.Meta().GroupPublicKey, func(ctx context.Context) error {
		return h.infoMessage(m.Meta().GroupPublicKey, storage.InfoMemberLeft, m.Meta().Sender, "", m.Meta().SentTimestamp)
	})
}

// handleDeleteMemberContent deletes messages in the group thread. A valid
// admin signature authorizes deleting any member's content; without one the
// sender may only delete their own.
func (h *UpdatedHandler) handleDeleteMemberContent(m *protocol.GroupUpdated) error {
	groupSessionID := m.Meta().GroupPublicKey
	del := m.DeleteMemberContent
	senderIsVerifiedAdmin := false
	if len(del.AdminSignature) > 0 {
		payload := deleteContentPayload(del.MemberIDs, del.MessageHashes, m.Meta().SentTimestamp)
		if err := verifyAdminSignature(groupSessionID, payload, del.AdminSignature); err == nil {
			senderIsVerifiedAdmin = true
		} else {
			h.log.Debugf("delete-content signature from %s did not verify, treating as non-admin", m.Meta().Sender)
		}
	}

	return h.delegate("delete-content", groupSessionID, func(ctx context.Context) error {
		threadID, err := h.store.ThreadID(storage.Address{GroupID: groupSessionID})
		if err != nil {
			return err
		}
		if threadID == protocol.NoThread {
			return nil
		}

		sender := m.Meta().Sender
		if senderIsVerifiedAdmin {
			if len(del.MessageHashes) > 0 {
				if err := h.store.DeleteMessagesByServerHashes(threadID, del.MessageHashes); err != nil {
					return err
				}
			}
			for _, member := range del.MemberIDs {
				if err := h.store.DeleteMessagesFrom(threadID, member); err != nil {
					return err
				}
			}
			return nil
		}

		// Unverified senders only ever affect their own rows, whatever the
		// message names.
		return h.store.DeleteMessagesFrom(threadID, sender)
	})
}

func (h *UpdatedHandler) disable(groupSessionID string, m *protocol.GroupUpdated) error {
	if err := h.store.SetGroupActive(groupSessionID, false); err != nil {
		return err
	}
	if err := h.push.UnsubscribeGroup(groupSessionID); err != nil {
		h.log.Warnf("unable to unsubscribe from group %s: %v", groupSessionID, err)
	}
	return h.infoMessage(groupSessionID, storage.InfoGroupUpdated, m.Meta().Sender, "", m.Meta().SentTimestamp)
}

func (h *UpdatedHandler) infoMessage(groupSessionID string, typ storage.InfoMessageType, sender ids.AccountID, body string, timestampMs uint64) error {
	threadID, err := h.store.ThreadID(storage.Address{GroupID: groupSessionID})
	if err != nil {
		return err
	}
	if threadID == protocol.NoThread {
		return nil
	}
	return h.store.InsertInfoMessage(threadID, typ, sender, body, timestampMs)
}
